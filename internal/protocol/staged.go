package protocol

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"

	"github.com/glazeware/formgate/internal/upload"
)

// Routes appended to the configured staged endpoint.
const (
	initRoute     = "/init"
	completeRoute = "/complete"
)

// StagedAdapter runs the three-phase object-store protocol: one init
// request per batch of uninitialized files, an independent PUT per
// part, and a batched complete request that trades confirmation tokens
// for durable remote identifiers.
type StagedAdapter struct {
	client   *req.Client
	endpoint string

	// part bodies go through net/http directly: the JSON client's
	// middleware has no business buffering raw chunk bytes, and part
	// URLs may point at a different host than the endpoint.
	httpClient *http.Client
}

func NewStagedAdapter(client *req.Client, endpoint string) *StagedAdapter {
	return &StagedAdapter{
		client:     client,
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: http.DefaultClient,
	}
}

// Init requests staging handles and part URLs for every file in the
// batch that does not already hold them. Idempotent: initialized files
// are skipped. The returned map carries per-file fatal protocol errors
// keyed by file UUID; a non-nil error means the whole request failed.
func (a *StagedAdapter) Init(ctx context.Context, files []*upload.FileState) (map[string]error, error) {
	pending := make([]*upload.FileState, 0, len(files))
	for _, f := range files {
		if !f.Initialized() {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	reqBody := InitRequest{Files: make([]InitFile, 0, len(pending))}
	for _, f := range pending {
		reqBody.Files = append(reqBody.Files, InitFile{
			InputName: f.Key.InputName,
			FileName:  f.Name,
			Size:      f.Size,
			MIME:      f.MIME,
			Chunks:    f.Total,
		})
	}

	var result *InitResult
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(&reqBody).
		SetSuccessResult(&result).
		Post(a.endpoint + initRoute)
	if err := handleAPIError(resp, err, "staged init"); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, NewProtocolError(CodeMalformedResponse, "staged init: empty response")
	}

	// Results are matched back by input name, first-match-wins: files
	// sharing an input name consume response entries positionally.
	byInput := make(map[string][]*InitResultFile)
	for i := range result.Files {
		rf := &result.Files[i]
		byInput[rf.InputName] = append(byInput[rf.InputName], rf)
	}

	failures := make(map[string]error)
	for _, f := range pending {
		queue := byInput[f.Key.InputName]
		if len(queue) == 0 {
			failures[f.FileUUID] = NewProtocolError(CodeMalformedResponse, "init response missing entry for %s", f.Key)
			continue
		}
		rf := queue[0]
		byInput[f.Key.InputName] = queue[1:]

		if err := applyInitResult(f, rf); err != nil {
			failures[f.FileUUID] = err
		}
	}

	if len(failures) == 0 {
		return nil, nil
	}
	return failures, nil
}

func applyInitResult(f *upload.FileState, rf *InitResultFile) error {
	if rf.StagingHandle == "" {
		return NewProtocolError(CodeMissingHandle, "init returned no staging handle for %s", f.Key)
	}
	if len(rf.Parts) != f.Total {
		return NewProtocolError(CodePartCountMismatch,
			"init returned %d parts for %s, expected %d", len(rf.Parts), f.Key, f.Total)
	}

	// Parts are addressable by partNumber, not list position.
	urls := make([]string, f.Total)
	for _, part := range rf.Parts {
		idx := part.PartNumber - 1
		if idx < 0 || idx >= f.Total || part.URL == "" {
			return NewProtocolError(CodePartCountMismatch,
				"init returned invalid part %d for %s", part.PartNumber, f.Key)
		}
		urls[idx] = part.URL
	}
	for i, u := range urls {
		if u == "" {
			return NewProtocolError(CodePartCountMismatch,
				"init response missing part %d for %s", i+1, f.Key)
		}
	}

	f.SetStagingHandles(rf.StagingHandle, urls, rf.Path)
	return nil
}

// TransferPart uploads one chunk's bytes to its part URL and returns
// the confirmation token: the response ETag when present, otherwise a
// synthesized placeholder.
func (a *StagedAdapter) TransferPart(ctx context.Context, f *upload.FileState, chunkIndex int, data []byte, onProgress func(fraction float64)) (string, error) {
	url, ok := f.PartURL(chunkIndex)
	if !ok {
		return "", NewProtocolError(CodePartCountMismatch, "no part url for chunk %d of %s", chunkIndex, f.Key)
	}

	body := &progressReader{
		reader:    bytes.NewReader(data),
		totalSize: int64(len(data)),
		callback:  onProgress,
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", NewTransferError(0, "create part request: %v", err)
	}
	httpReq.ContentLength = int64(len(data)) // required for presigned part URLs
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", NewTransferError(0, "upload part %d of %s: %v", chunkIndex+1, f.Key, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return "", NewTransferError(resp.StatusCode, "upload part %d of %s", chunkIndex+1, f.Key)
	}

	token := strings.Trim(resp.Header.Get("ETag"), "\"")
	if token == "" {
		token = fmt.Sprintf("confirm-%d", chunkIndex+1)
	}
	return token, nil
}

// CompleteOutcome is the per-file result of a complete request.
type CompleteOutcome struct {
	File     *upload.FileState
	RemoteID string
	Err      error
}

// Complete finalizes one or more fully-confirmed files in a single
// batched request. A file with a missing confirmation token fails
// instead of completing; a response without an identifier for a file
// falls back to the synthesized init path.
func (a *StagedAdapter) Complete(ctx context.Context, files []*upload.FileState) ([]CompleteOutcome, error) {
	outcomes := make([]CompleteOutcome, 0, len(files))
	reqBody := CompleteRequest{}
	requested := make([]*upload.FileState, 0, len(files))

	for _, f := range files {
		tokens := f.Confirmations()
		cf := CompleteFile{
			InputName:     f.Key.InputName,
			StagingHandle: f.StagingHandle(),
			Path:          f.Path(),
			Parts:         make([]CompletePart, 0, f.Total),
		}

		var missing error
		for i := 0; i < f.Total; i++ {
			if i >= len(tokens) || tokens[i] == "" {
				missing = NewProtocolError(CodeMissingToken, "missing confirmation for part %d of %s", i+1, f.Key)
				break
			}
			cf.Parts = append(cf.Parts, CompletePart{PartNumber: i + 1, ConfirmationToken: tokens[i]})
		}
		if missing != nil {
			outcomes = append(outcomes, CompleteOutcome{File: f, Err: missing})
			continue
		}

		reqBody.Files = append(reqBody.Files, cf)
		requested = append(requested, f)
	}

	if len(requested) == 0 {
		return outcomes, nil
	}

	var result *CompleteResult
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(&reqBody).
		SetSuccessResult(&result).
		Post(a.endpoint + completeRoute)
	if err := handleAPIError(resp, err, "staged complete"); err != nil {
		return outcomes, err
	}

	byInput := make(map[string][]*CompleteResultFile)
	if result != nil {
		for i := range result.Files {
			rf := &result.Files[i]
			byInput[rf.InputName] = append(byInput[rf.InputName], rf)
		}
	}

	for _, f := range requested {
		remoteID := ""
		if queue := byInput[f.Key.InputName]; len(queue) > 0 {
			rf := queue[0]
			byInput[f.Key.InputName] = queue[1:]
			if rf.FileID != "" {
				remoteID = rf.FileID
			} else {
				remoteID = rf.Path
			}
		}
		if remoteID == "" {
			// identifier omitted for this file: fall back to the
			// synthesized path from init time
			remoteID = f.Path()
		}
		outcomes = append(outcomes, CompleteOutcome{File: f, RemoteID: remoteID})
	}

	return outcomes, nil
}
