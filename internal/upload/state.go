// Package upload holds the shared data model of the upload engine: per-file
// transfer state, its durable snapshot, and captured form submissions.
package upload

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glazeware/formgate/internal/bytesource"
)

// Mode selects the wire protocol for a form's uploads.
type Mode string

const (
	// ModeSimple transfers each file as a single multipart POST.
	ModeSimple Mode = "simple"
	// ModeStaged runs the init / upload-parts / complete protocol.
	ModeStaged Mode = "staged"
)

// Status is the transfer state of a single file.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transfer work will happen for
// this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Key identifies a file slot within a session. Re-selecting a file at
// an occupied key supersedes the previous file.
type Key struct {
	InputName string
	FileIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%s[%d]", k.InputName, k.FileIndex)
}

// FileState tracks one file from selection to a terminal state. The
// identity and source-metadata fields are fixed at creation; everything
// else is guarded by the internal mutex because the scheduler mutates
// part slots from concurrent workers.
type FileState struct {
	SessionID string
	FileUUID  string
	Key       Key
	Name      string
	Size      int64
	MIME      string
	ChunkSize int64
	Total     int // total chunk count

	// Source is the live byte source. Nil after a restart; chunk bytes
	// must then come from the persistent store.
	Source bytesource.ByteRangeSource

	mu             sync.Mutex
	status         Status
	uploadedChunks int
	stagingHandle  string
	partURLs       []string
	confirmations  []string
	remoteID       string
	path           string
	lastError      string
	inFlight       map[int]float64
	updatedAt      time.Time
}

// Snapshot is a plain, copyable view of a FileState. It is also the
// durable projection: everything here except the live in-flight map is
// what the store persists.
type Snapshot struct {
	SessionID      string
	FileUUID       string
	Key            Key
	Name           string
	Size           int64
	MIME           string
	ChunkSize      int64
	Total          int
	Status         Status
	UploadedChunks int
	StagingHandle  string
	PartURLs       []string
	Confirmations  []string
	RemoteID       string
	Path           string
	LastError      string
	InFlight       float64 // summed fractions of parts currently transferring
	UpdatedAt      time.Time
}

// Progress is the completed fraction in [0, 1].
func (s *Snapshot) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	p := (float64(s.UploadedChunks) + s.InFlight) / float64(s.Total)
	if p > 1 {
		p = 1
	}
	return p
}

// NewFileState creates the state for a freshly selected file. The chunk
// count is ceil(size/chunkSize) under the staged protocol and exactly 1
// under simple.
func NewFileState(sessionID string, key Key, src bytesource.ByteRangeSource, mode Mode, chunkSize int64) *FileState {
	total := 1
	if mode == ModeStaged {
		total = int(ceilDiv(src.Size(), chunkSize))
		if total < 1 {
			total = 1
		}
	}

	f := &FileState{
		SessionID: sessionID,
		FileUUID:  uuid.NewString(),
		Key:       key,
		Name:      src.Name(),
		Size:      src.Size(),
		MIME:      src.MIME(),
		ChunkSize: chunkSize,
		Total:     total,
		Source:    src,
		status:    StatusQueued,
		inFlight:  make(map[int]float64),
		updatedAt: time.Now(),
	}
	f.path = SynthesizedPath(sessionID, f.FileUUID, f.Name)
	return f
}

// Restore rebuilds a FileState from a persisted snapshot. The byte
// source is gone after a restart; staged chunk bytes are read back from
// the store instead.
func Restore(snap *Snapshot) *FileState {
	f := &FileState{
		SessionID:      snap.SessionID,
		FileUUID:       snap.FileUUID,
		Key:            snap.Key,
		Name:           snap.Name,
		Size:           snap.Size,
		MIME:           snap.MIME,
		ChunkSize:      snap.ChunkSize,
		Total:          snap.Total,
		status:         snap.Status,
		uploadedChunks: snap.UploadedChunks,
		stagingHandle:  snap.StagingHandle,
		partURLs:       append([]string(nil), snap.PartURLs...),
		confirmations:  append([]string(nil), snap.Confirmations...),
		remoteID:       snap.RemoteID,
		path:           snap.Path,
		lastError:      snap.LastError,
		inFlight:       make(map[int]float64),
		updatedAt:      snap.UpdatedAt,
	}
	if f.path == "" {
		f.path = SynthesizedPath(f.SessionID, f.FileUUID, f.Name)
	}
	return f
}

// SynthesizedPath is the fallback remote identifier used when neither
// init nor complete supplies one.
func SynthesizedPath(sessionID, fileUUID, name string) string {
	return fmt.Sprintf("/uploads/%s/%s/%s", sessionID, fileUUID, name)
}

// Snapshot returns a consistent copy of the mutable state.
func (f *FileState) Snapshot() *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	var inFlight float64
	for _, frac := range f.inFlight {
		inFlight += frac
	}

	return &Snapshot{
		SessionID:      f.SessionID,
		FileUUID:       f.FileUUID,
		Key:            f.Key,
		Name:           f.Name,
		Size:           f.Size,
		MIME:           f.MIME,
		ChunkSize:      f.ChunkSize,
		Total:          f.Total,
		Status:         f.status,
		UploadedChunks: f.uploadedChunks,
		StagingHandle:  f.stagingHandle,
		PartURLs:       append([]string(nil), f.partURLs...),
		Confirmations:  append([]string(nil), f.confirmations...),
		RemoteID:       f.remoteID,
		Path:           f.path,
		LastError:      f.lastError,
		InFlight:       inFlight,
		UpdatedAt:      f.updatedAt,
	}
}

func (f *FileState) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *FileState) SetStatus(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
	f.updatedAt = time.Now()
}

// Fail records a terminal failure. Confirmed parts are left intact so a
// later re-selection can resume from the confirmed point.
func (f *FileState) Fail(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = StatusFailed
	f.lastError = msg
	f.inFlight = make(map[int]float64)
	f.updatedAt = time.Now()
}

func (f *FileState) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastError
}

func (f *FileState) RemoteID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteID
}

// SetRemoteID records the durable remote identifier and marks the file
// completed.
func (f *FileState) SetRemoteID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteID = id
	f.status = StatusCompleted
	f.inFlight = make(map[int]float64)
	f.updatedAt = time.Now()
}

func (f *FileState) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

func (f *FileState) StagingHandle() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stagingHandle
}

// SetStagingHandles records the init-phase results. The confirmation
// slot list is sized to the part count here; it must never change
// length afterwards.
func (f *FileState) SetStagingHandles(handle string, partURLs []string, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stagingHandle = handle
	f.partURLs = append([]string(nil), partURLs...)
	if len(f.confirmations) != f.Total {
		f.confirmations = make([]string, f.Total)
	}
	if path != "" {
		f.path = path
	}
	f.updatedAt = time.Now()
}

// Initialized reports whether the staged protocol handles are in place
// for this file (a handle plus a full part-URL list).
func (f *FileState) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stagingHandle != "" && len(f.partURLs) == f.Total
}

func (f *FileState) PartURL(chunkIndex int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chunkIndex < 0 || chunkIndex >= len(f.partURLs) {
		return "", false
	}
	return f.partURLs[chunkIndex], true
}

// PendingParts returns the chunk indices that still lack a confirmation
// token, in ascending order.
func (f *FileState) PendingParts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := make([]int, 0, f.Total)
	for i := 0; i < f.Total; i++ {
		if i >= len(f.confirmations) || f.confirmations[i] == "" {
			pending = append(pending, i)
		}
	}
	return pending
}

// Confirmation returns the token recorded for a chunk, if any.
func (f *FileState) Confirmation(chunkIndex int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chunkIndex < 0 || chunkIndex >= len(f.confirmations) {
		return ""
	}
	return f.confirmations[chunkIndex]
}

func (f *FileState) Confirmations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.confirmations...)
}

// ConfirmPart records a part's confirmation token at its index and
// bumps the uploaded counter. Completion order does not matter; the
// slot index keeps finalize ordering stable.
func (f *FileState) ConfirmPart(chunkIndex int, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if chunkIndex < 0 || chunkIndex >= f.Total {
		return
	}
	if len(f.confirmations) != f.Total {
		grown := make([]string, f.Total)
		copy(grown, f.confirmations)
		f.confirmations = grown
	}
	if f.confirmations[chunkIndex] != "" {
		return // already confirmed, never retransferred
	}

	f.confirmations[chunkIndex] = token
	f.uploadedChunks++
	delete(f.inFlight, chunkIndex)
	f.updatedAt = time.Now()
}

func (f *FileState) UploadedChunks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadedChunks
}

// SetPartProgress updates the in-flight fraction for one chunk.
func (f *FileState) SetPartProgress(chunkIndex int, fraction float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	f.inFlight[chunkIndex] = fraction
	f.updatedAt = time.Now()
}

// ClearPartProgress drops the in-flight entry for a chunk whose
// transfer ended without confirming (failure or abort).
func (f *FileState) ClearPartProgress(chunkIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, chunkIndex)
}

// ChunkRange returns the byte offset and length of a chunk.
func (f *FileState) ChunkRange(chunkIndex int) (offset, length int64) {
	offset = int64(chunkIndex) * f.ChunkSize
	if offset >= f.Size {
		return offset, 0
	}
	length = f.ChunkSize
	if remaining := f.Size - offset; remaining < length {
		length = remaining
	}
	return offset, length
}

func ceilDiv(numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	q := numerator / denominator
	if numerator%denominator != 0 {
		q++
	}
	return q
}
