package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeware/formgate/internal/bytesource"
	"github.com/glazeware/formgate/internal/upload"
)

type fakeTransfer struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	transferred []int
	failAt      map[int]error
	delay       time.Duration
}

func (ft *fakeTransfer) TransferPart(ctx context.Context, f *upload.FileState, chunkIndex int, data []byte, onProgress func(float64)) (string, error) {
	ft.mu.Lock()
	ft.inFlight++
	if ft.inFlight > ft.maxInFlight {
		ft.maxInFlight = ft.inFlight
	}
	ft.mu.Unlock()

	if ft.delay > 0 {
		time.Sleep(ft.delay)
	}
	if onProgress != nil {
		onProgress(1)
	}

	ft.mu.Lock()
	ft.inFlight--
	err := ft.failAt[chunkIndex]
	if err == nil {
		ft.transferred = append(ft.transferred, chunkIndex)
	}
	ft.mu.Unlock()

	if err != nil {
		return "", err
	}
	return fmt.Sprintf("tok-%d", chunkIndex+1), nil
}

func stagedFile(t *testing.T, size, chunkSize int64) *upload.FileState {
	t.Helper()
	src := bytesource.NewMemorySource("f.bin", "", make([]byte, size))
	f := upload.NewFileState("sess", upload.Key{InputName: "files"}, src, upload.ModeStaged, chunkSize)
	urls := make([]string, f.Total)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://parts/%d", i+1)
	}
	f.SetStagingHandles("handle", urls, "")
	return f
}

func newTestScheduler(ft *fakeTransfer, concurrency int) *scheduler {
	return &scheduler{
		transfer:    ft,
		concurrency: concurrency,
		readChunk: func(f *upload.FileState, idx int) ([]byte, error) {
			offset, length := f.ChunkRange(idx)
			return f.Source.ReadRange(offset, length)
		},
	}
}

func TestSchedulerDrainsAllParts(t *testing.T) {
	f := stagedFile(t, 16, 2)
	require.Equal(t, 8, f.Total)

	ft := &fakeTransfer{delay: 5 * time.Millisecond}
	s := newTestScheduler(ft, 3)

	var confirmed []int
	var mu sync.Mutex
	s.onConfirmed = func(_ *upload.FileState, idx int) {
		mu.Lock()
		confirmed = append(confirmed, idx)
		mu.Unlock()
	}

	require.NoError(t, s.drain(context.Background(), f))

	assert.Equal(t, 8, f.UploadedChunks())
	assert.Empty(t, f.PendingParts())
	assert.Len(t, confirmed, 8)
	assert.Equal(t, "tok-3", f.Confirmation(2))
	// bounded pool: never more than the cap in flight at once
	assert.LessOrEqual(t, ft.maxInFlight, 3)
	assert.GreaterOrEqual(t, ft.maxInFlight, 2) // and it actually ran concurrently
}

func TestSchedulerResumesOnlyPendingParts(t *testing.T) {
	f := stagedFile(t, 16, 2)
	f.ConfirmPart(0, "already-0")
	f.ConfirmPart(3, "already-3")
	f.ConfirmPart(7, "already-7")

	ft := &fakeTransfer{}
	s := newTestScheduler(ft, 2)

	require.NoError(t, s.drain(context.Background(), f))

	assert.ElementsMatch(t, []int{1, 2, 4, 5, 6}, ft.transferred)
	assert.Equal(t, 8, f.UploadedChunks())
	// confirmed parts were never retransferred or overwritten
	assert.Equal(t, "already-0", f.Confirmation(0))
	assert.Equal(t, "already-3", f.Confirmation(3))
}

func TestSchedulerFirstFailureWins(t *testing.T) {
	f := stagedFile(t, 16, 2)

	boom := fmt.Errorf("part rejected")
	ft := &fakeTransfer{failAt: map[int]error{2: boom}}
	s := newTestScheduler(ft, 1) // serial: deterministic admission order

	err := s.drain(context.Background(), f)
	require.ErrorIs(t, err, boom)

	// parts before the failure confirmed; nothing after it admitted
	assert.Equal(t, []int{0, 1}, ft.transferred)
	assert.Equal(t, 2, f.UploadedChunks())
	assert.Contains(t, f.PendingParts(), 2)
}

func TestSchedulerEmptyPendingSetIsNoop(t *testing.T) {
	f := stagedFile(t, 4, 2)
	f.ConfirmPart(0, "t1")
	f.ConfirmPart(1, "t2")

	ft := &fakeTransfer{}
	s := newTestScheduler(ft, 4)

	require.NoError(t, s.drain(context.Background(), f))
	assert.Empty(t, ft.transferred)
}

func TestSchedulerContextCancelled(t *testing.T) {
	f := stagedFile(t, 16, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ft := &fakeTransfer{}
	s := newTestScheduler(ft, 2)

	err := s.drain(ctx, f)
	assert.ErrorIs(t, err, context.Canceled)
}
