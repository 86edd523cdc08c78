// Package protocol implements the two wire protocols of the upload
// engine: Simple (one multipart POST per file) and Staged (init,
// parallel part transfers, complete).
package protocol

import (
	"io"
	"time"

	"github.com/imroc/req/v3"

	"github.com/glazeware/formgate/internal/version"
)

// NewClient builds the shared HTTP client for JSON endpoints. Part
// bodies bypass it and go through net/http directly (see staged.go).
func NewClient() *req.Client {
	return req.C().
		SetUserAgent("formgate/" + version.Version).
		SetTimeout(5 * time.Minute).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)
}

// progressReader counts bytes as they are read and reports the running
// fraction of totalSize through the callback.
type progressReader struct {
	reader    io.Reader
	totalSize int64
	bytesRead int64
	callback  func(fraction float64)
	lastEmit  time.Time
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.bytesRead += int64(n)
	}

	if pr.callback != nil && pr.totalSize > 0 {
		now := time.Now()
		if now.Sub(pr.lastEmit) > 100*time.Millisecond || err == io.EOF {
			pr.callback(float64(pr.bytesRead) / float64(pr.totalSize))
			pr.lastEmit = now
		}
	}

	return n, err
}
