package protocol

import (
	"bytes"
	"context"
	"io"

	"github.com/imroc/req/v3"

	"github.com/glazeware/formgate/internal/upload"
)

// SimpleAdapter transfers each file as one multipart POST to the
// configured endpoint. There is no partial resume below whole-file
// granularity: a failure means the whole file is re-transferred.
type SimpleAdapter struct {
	client   *req.Client
	endpoint string
}

func NewSimpleAdapter(client *req.Client, endpoint string) *SimpleAdapter {
	return &SimpleAdapter{
		client:   client,
		endpoint: endpoint,
	}
}

// Start uploads the whole file and resolves its remote identifier.
// Re-entrant: a file whose remote identifier is already known resolves
// immediately. Upload progress maps onto the single chunk's fraction.
func (a *SimpleAdapter) Start(ctx context.Context, f *upload.FileState, onProgress func(fraction float64)) (string, error) {
	if id := f.RemoteID(); id != "" {
		return id, nil
	}
	if f.Source == nil {
		return "", ErrNoByteSource
	}

	data, err := f.Source.ReadRange(0, f.Size)
	if err != nil {
		return "", NewTransferError(0, "read file %q: %v", f.Name, err)
	}

	var result *SimpleResult
	resp, err := a.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetFileUpload(req.FileUpload{
			ParamName: f.Key.InputName,
			FileName:  f.Name,
			GetFileContent: func() (io.ReadCloser, error) {
				return io.NopCloser(&progressReader{
					reader:    bytes.NewReader(data),
					totalSize: f.Size,
					callback:  onProgress,
				}), nil
			},
			FileSize:    f.Size,
			ContentType: f.MIME,
		}).
		SetSuccessResult(&result).
		Post(a.endpoint)

	if err := handleAPIError(resp, err, "simple upload "+f.Name); err != nil {
		return "", err
	}

	if onProgress != nil {
		onProgress(1)
	}

	switch {
	case result == nil:
		return f.Path(), nil
	case result.FileID != "":
		return result.FileID, nil
	case result.Path != "":
		return result.Path, nil
	default:
		return f.Path(), nil
	}
}
