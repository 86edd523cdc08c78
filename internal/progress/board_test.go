package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeware/formgate/internal/upload"
)

func snap(session, uuid string, key upload.Key, status upload.Status, uploaded, total int) *upload.Snapshot {
	return &upload.Snapshot{
		SessionID:      session,
		FileUUID:       uuid,
		Key:            key,
		Name:           "f.bin",
		Status:         status,
		UploadedChunks: uploaded,
		Total:          total,
	}
}

func TestBoardUpdateAndGet(t *testing.T) {
	b := NewBoard()

	var changes []Entry
	b.OnChange = func(e Entry) { changes = append(changes, e) }

	b.Update(snap("s1", "u1", upload.Key{InputName: "photos"}, upload.StatusUploading, 1, 4))

	entry, ok := b.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 0.25, entry.Progress)
	assert.Equal(t, upload.StatusUploading, entry.Status)
	require.Len(t, changes, 1)
	assert.Equal(t, "u1", changes[0].FileUUID)

	_, ok = b.Get("missing")
	assert.False(t, ok)
}

func TestBoardProgressNeverRegressesWhileLive(t *testing.T) {
	b := NewBoard()
	key := upload.Key{InputName: "photos"}

	b.Update(snap("s1", "u1", key, upload.StatusUploading, 3, 4))
	// a stale lower snapshot must not move the bar backwards
	b.Update(snap("s1", "u1", key, upload.StatusUploading, 2, 4))

	entry, _ := b.Get("u1")
	assert.Equal(t, 0.75, entry.Progress)

	// terminal states report their own progress as-is
	b.Update(snap("s1", "u1", key, upload.StatusFailed, 2, 4))
	entry, _ = b.Get("u1")
	assert.Equal(t, 0.5, entry.Progress)
	assert.Equal(t, upload.StatusFailed, entry.Status)
}

func TestBoardListOrdering(t *testing.T) {
	b := NewBoard()
	b.Update(snap("s2", "u3", upload.Key{InputName: "a"}, upload.StatusQueued, 0, 1))
	b.Update(snap("s1", "u2", upload.Key{InputName: "b", FileIndex: 1}, upload.StatusQueued, 0, 1))
	b.Update(snap("s1", "u1", upload.Key{InputName: "b", FileIndex: 0}, upload.StatusQueued, 0, 1))

	all := b.List()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"u1", "u2", "u3"}, []string{all[0].FileUUID, all[1].FileUUID, all[2].FileUUID})

	s1 := b.ListSession("s1")
	require.Len(t, s1, 2)
	assert.Equal(t, "s1", s1[0].SessionID)
}

func TestBoardRemove(t *testing.T) {
	b := NewBoard()
	b.Update(snap("s1", "u1", upload.Key{InputName: "photos"}, upload.StatusCompleted, 1, 1))
	b.Remove("u1")

	_, ok := b.Get("u1")
	assert.False(t, ok)
	assert.Empty(t, b.List())
}
