package protocol

import (
	"errors"
	"fmt"

	"github.com/imroc/req/v3"
)

var (
	ErrNoEndpoint   = errors.New("protocol: endpoint missing")
	ErrNoByteSource = errors.New("protocol: no byte source for chunk")
)

const (
	// Protocol errors: the remote answered, but with a shape we cannot
	// act on. Fatal for the affected file only.
	CodePartCountMismatch = "E_PART_COUNT_MISMATCH" // init returned a part list of the wrong length
	CodeMissingHandle     = "E_MISSING_HANDLE"      // init returned no staging handle
	CodeMissingToken      = "E_MISSING_TOKEN"       // complete attempted without a full confirmation list
	CodeMalformedResponse = "E_MALFORMED_RESPONSE"  // init/complete response could not be decoded

	// Transfer errors: the bytes never made it. Confirmed parts are not
	// rolled back, so a later retry resumes from the confirmed point.
	CodeTransferFailed = "E_TRANSFER_FAILED"
)

// ProtocolError is a malformed or contract-violating response during
// init or complete.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s - %s", e.Code, e.Message)
}

func NewProtocolError(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TransferError is a failed part or whole-file transfer.
type TransferError struct {
	Code       string
	Message    string
	StatusCode int // 0 when the request never completed
}

func (e *TransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer error: %s - %s (status %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("transfer error: %s - %s", e.Code, e.Message)
}

func NewTransferError(statusCode int, format string, args ...any) *TransferError {
	return &TransferError{
		Code:       CodeTransferFailed,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// handleAPIError folds the request error and the API error state of a
// response into a single error, or nil on success.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		return NewTransferError(resp.GetStatusCode(), "%s: %s", operation, resp.GetStatus())
	}

	return nil
}
