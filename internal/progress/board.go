// Package progress projects internal file state into the read-only
// entry list that UIs observe.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/glazeware/formgate/internal/upload"
)

// Entry is the public, UI-facing projection of one file transfer. One
// entry exists per file from selection until its session is cleared.
type Entry struct {
	SessionID      string
	FileUUID       string
	Key            upload.Key
	Name           string
	Size           int64
	Status         upload.Status
	UploadedChunks int
	TotalChunks    int
	Progress       float64
	LastError      string
	UpdatedAt      time.Time
}

// Board is the globally observable list of upload entries.
type Board struct {
	mu      sync.RWMutex
	entries map[string]*Entry // keyed by file UUID

	// OnChange, when set, is invoked with a copy of the entry after
	// every update. Set it before the engine starts mutating state.
	OnChange func(Entry)
}

func NewBoard() *Board {
	return &Board{
		entries: make(map[string]*Entry),
	}
}

// Update recomputes a file's entry from its snapshot. Called on every
// FileState mutation.
func (b *Board) Update(snap *upload.Snapshot) {
	entry := Entry{
		SessionID:      snap.SessionID,
		FileUUID:       snap.FileUUID,
		Key:            snap.Key,
		Name:           snap.Name,
		Size:           snap.Size,
		Status:         snap.Status,
		UploadedChunks: snap.UploadedChunks,
		TotalChunks:    snap.Total,
		Progress:       snap.Progress(),
		LastError:      snap.LastError,
		UpdatedAt:      snap.UpdatedAt,
	}

	b.mu.Lock()
	if prev, ok := b.entries[snap.FileUUID]; ok && entry.Progress < prev.Progress && !entry.Status.Terminal() {
		// progress never moves backwards while a file is live
		entry.Progress = prev.Progress
	}
	b.entries[snap.FileUUID] = &entry
	onChange := b.OnChange
	b.mu.Unlock()

	if onChange != nil {
		onChange(entry)
	}
}

// Remove drops a file's entry. Only session clearing removes entries.
func (b *Board) Remove(fileUUID string) {
	b.mu.Lock()
	delete(b.entries, fileUUID)
	b.mu.Unlock()
}

// Get returns a copy of one entry.
func (b *Board) Get(fileUUID string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[fileUUID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns copies of all entries, ordered by session then key.
func (b *Board) List() []Entry {
	b.mu.RLock()
	result := make([]Entry, 0, len(b.entries))
	for _, entry := range b.entries {
		result = append(result, *entry)
	}
	b.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].SessionID != result[j].SessionID {
			return result[i].SessionID < result[j].SessionID
		}
		if result[i].Key.InputName != result[j].Key.InputName {
			return result[i].Key.InputName < result[j].Key.InputName
		}
		return result[i].Key.FileIndex < result[j].Key.FileIndex
	})
	return result
}

// ListSession returns copies of the entries belonging to one session.
func (b *Board) ListSession(sessionID string) []Entry {
	all := b.List()
	result := all[:0]
	for _, entry := range all {
		if entry.SessionID == sessionID {
			result = append(result, entry)
		}
	}
	return result
}
