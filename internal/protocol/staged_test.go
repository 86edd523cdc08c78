package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeware/formgate/internal/bytesource"
	"github.com/glazeware/formgate/internal/upload"
)

func newStagedFile(t *testing.T, inputName string, size, chunkSize int64) *upload.FileState {
	t.Helper()
	src := bytesource.NewMemorySource(inputName+".bin", "application/octet-stream", make([]byte, size))
	return upload.NewFileState("sess", upload.Key{InputName: inputName}, src, upload.ModeStaged, chunkSize)
}

func TestStagedInit(t *testing.T) {
	var initCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/uploads/init", r.URL.Path)
		initCalls.Add(1)

		var body InitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Files, 1)
		assert.Equal(t, "photos", body.Files[0].InputName)
		assert.Equal(t, 3, body.Files[0].Chunks)

		// parts deliberately out of order: matching is by partNumber
		json.NewEncoder(w).Encode(InitResult{Files: []InitResultFile{{
			InputName:     "photos",
			StagingHandle: "stage-1",
			Path:          "/bucket/photos.bin",
			Parts: []InitPart{
				{PartNumber: 3, URL: "https://parts/3"},
				{PartNumber: 1, URL: "https://parts/1"},
				{PartNumber: 2, URL: "https://parts/2"},
			},
		}}})
	}))
	defer srv.Close()

	a := NewStagedAdapter(NewClient(), srv.URL+"/uploads")
	f := newStagedFile(t, "photos", 12, 4)

	failures, err := a.Init(context.Background(), []*upload.FileState{f})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.True(t, f.Initialized())
	assert.Equal(t, "/bucket/photos.bin", f.Path())

	u, ok := f.PartURL(0)
	require.True(t, ok)
	assert.Equal(t, "https://parts/1", u)
	u, _ = f.PartURL(2)
	assert.Equal(t, "https://parts/3", u)

	// second call skips the already-initialized file entirely
	failures, err = a.Init(context.Background(), []*upload.FileState{f})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, int32(1), initCalls.Load())
}

func TestStagedInitPartCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(InitResult{Files: []InitResultFile{{
			InputName:     "photos",
			StagingHandle: "stage-1",
			Parts:         []InitPart{{PartNumber: 1, URL: "https://parts/1"}},
		}}})
	}))
	defer srv.Close()

	a := NewStagedAdapter(NewClient(), srv.URL)
	f := newStagedFile(t, "photos", 12, 4) // expects 3 parts

	failures, err := a.Init(context.Background(), []*upload.FileState{f})
	require.NoError(t, err)
	require.Contains(t, failures, f.FileUUID)

	var protoErr *ProtocolError
	require.ErrorAs(t, failures[f.FileUUID], &protoErr)
	assert.Equal(t, CodePartCountMismatch, protoErr.Code)
	assert.False(t, f.Initialized())
}

func TestStagedInitMissingHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(InitResult{Files: []InitResultFile{{
			InputName: "photos",
			Parts:     []InitPart{{PartNumber: 1, URL: "https://parts/1"}},
		}}})
	}))
	defer srv.Close()

	a := NewStagedAdapter(NewClient(), srv.URL)
	f := newStagedFile(t, "photos", 2, 4) // single part

	failures, err := a.Init(context.Background(), []*upload.FileState{f})
	require.NoError(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, failures[f.FileUUID], &protoErr)
	assert.Equal(t, CodeMissingHandle, protoErr.Code)
}

func TestStagedInitRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewStagedAdapter(NewClient(), srv.URL)
	f := newStagedFile(t, "photos", 12, 4)

	_, err := a.Init(context.Background(), []*upload.FileState{f})
	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, http.StatusServiceUnavailable, transferErr.StatusCode)
}

func TestTransferPartTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, int64(len(body)), r.ContentLength)

		switch r.URL.Path {
		case "/part/1":
			w.Header().Set("ETag", `"etag-abc"`)
			w.WriteHeader(http.StatusOK)
		case "/part/2":
			w.WriteHeader(http.StatusNoContent) // no ETag
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	a := NewStagedAdapter(NewClient(), srv.URL)
	f := newStagedFile(t, "photos", 12, 4)
	f.SetStagingHandles("stage-1", []string{srv.URL + "/part/1", srv.URL + "/part/2", srv.URL + "/part/3"}, "")

	var lastFraction float64
	token, err := a.TransferPart(context.Background(), f, 0, []byte("aaaa"), func(fr float64) { lastFraction = fr })
	require.NoError(t, err)
	assert.Equal(t, "etag-abc", token) // quotes stripped
	assert.Equal(t, 1.0, lastFraction)

	token, err = a.TransferPart(context.Background(), f, 1, []byte("bbbb"), nil)
	require.NoError(t, err)
	assert.Equal(t, "confirm-2", token) // synthesized when no ETag

	_, err = a.TransferPart(context.Background(), f, 2, []byte("cccc"), nil)
	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, http.StatusForbidden, transferErr.StatusCode)
}

func TestStagedComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/complete", r.URL.Path)

		var body CompleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Files, 2)
		assert.Equal(t, []CompletePart{
			{PartNumber: 1, ConfirmationToken: "tok1"},
			{PartNumber: 2, ConfirmationToken: "tok2"},
			{PartNumber: 3, ConfirmationToken: "tok3"},
		}, body.Files[0].Parts)

		// second file's identifier is omitted on purpose
		json.NewEncoder(w).Encode(CompleteResult{Files: []CompleteResultFile{
			{InputName: "photos", FileID: "file-42"},
		}})
	}))
	defer srv.Close()

	a := NewStagedAdapter(NewClient(), srv.URL)

	confirmed := newStagedFile(t, "photos", 12, 4)
	confirmed.SetStagingHandles("stage-1", []string{"u1", "u2", "u3"}, "")
	for i, tok := range []string{"tok1", "tok2", "tok3"} {
		confirmed.ConfirmPart(i, tok)
	}

	unnamed := newStagedFile(t, "docs", 2, 4)
	unnamed.SetStagingHandles("stage-2", []string{"u1"}, "/staged/docs.bin")
	unnamed.ConfirmPart(0, "tokA")

	outcomes, err := a.Complete(context.Background(), []*upload.FileState{confirmed, unnamed})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byInput := map[string]CompleteOutcome{}
	for _, o := range outcomes {
		byInput[o.File.Key.InputName] = o
	}
	require.NoError(t, byInput["photos"].Err)
	assert.Equal(t, "file-42", byInput["photos"].RemoteID)
	require.NoError(t, byInput["docs"].Err)
	assert.Equal(t, "/staged/docs.bin", byInput["docs"].RemoteID) // fallback to init path
}

func TestStagedCompleteMissingToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(CompleteResult{})
	}))
	defer srv.Close()

	a := NewStagedAdapter(NewClient(), srv.URL)
	f := newStagedFile(t, "photos", 12, 4)
	f.SetStagingHandles("stage-1", []string{"u1", "u2", "u3"}, "")
	f.ConfirmPart(0, "tok1")
	f.ConfirmPart(2, "tok3") // part 2 never confirmed

	outcomes, err := a.Complete(context.Background(), []*upload.FileState{f})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	var protoErr *ProtocolError
	require.ErrorAs(t, outcomes[0].Err, &protoErr)
	assert.Equal(t, CodeMissingToken, protoErr.Code)
	// nothing to send, so no request was made
	assert.Equal(t, int32(0), calls.Load())
}

func TestStagedInitBatchSharedInputName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body InitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Files, 2)

		// two entries under the same input name, consumed positionally
		out := InitResult{}
		for i := range body.Files {
			out.Files = append(out.Files, InitResultFile{
				InputName:     body.Files[i].InputName,
				StagingHandle: fmt.Sprintf("stage-%d", i+1),
				Parts:         []InitPart{{PartNumber: 1, URL: fmt.Sprintf("https://parts/%d", i+1)}},
			})
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	a := NewStagedAdapter(NewClient(), srv.URL)
	first := newStagedFile(t, "photos", 2, 4)
	second := upload.NewFileState("sess", upload.Key{InputName: "photos", FileIndex: 1},
		bytesource.NewMemorySource("other.bin", "", make([]byte, 2)), upload.ModeStaged, 4)

	failures, err := a.Init(context.Background(), []*upload.FileState{first, second})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, "stage-1", first.StagingHandle())
	assert.Equal(t, "stage-2", second.StagingHandle())
}
