package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glazeware/formgate/internal/upload"
)

// partTransferrer is the slice of the staged adapter the scheduler
// needs; narrowed for tests.
type partTransferrer interface {
	TransferPart(ctx context.Context, f *upload.FileState, chunkIndex int, data []byte, onProgress func(fraction float64)) (string, error)
}

// scheduler drains one file's pending parts through a bounded pool of
// in-flight transfers. The cap is per file; simultaneously uploading
// files each get their own pool.
type scheduler struct {
	transfer    partTransferrer
	concurrency int

	// readChunk resolves a chunk's bytes: persistent store first, then
	// re-sliced from the in-memory source.
	readChunk func(f *upload.FileState, chunkIndex int) ([]byte, error)

	// onConfirmed runs after a part confirms: persist the file record,
	// prune the chunk blob, update the progress entry.
	onConfirmed func(f *upload.FileState, chunkIndex int)

	// onProgress publishes an in-flight fraction change.
	onProgress func(f *upload.FileState)
}

// drain transfers every pending part and returns once the pending set
// is empty or a part has failed. First failure wins: no new parts are
// admitted after a failure, in-flight parts finish, and the single
// error is surfaced. There is no automatic retry.
func (s *scheduler) drain(ctx context.Context, f *upload.FileState) error {
	pending := f.PendingParts()
	if len(pending) == 0 {
		return nil
	}

	workers := s.concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(pending) {
		workers = len(pending)
	}

	// pending is in ascending index order; the channel preserves it so
	// parts are admitted low-index first even though they may complete
	// in any order.
	parts := make(chan int, len(pending))
	for _, idx := range pending {
		parts <- idx
	}
	close(parts)

	var (
		mu       sync.Mutex
		firstErr error
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					recordErr(ctx.Err())
					return
				case idx, ok := <-parts:
					if !ok {
						return
					}
					if err := ctx.Err(); err != nil {
						recordErr(err)
						return
					}
					if failed() {
						return // stop admitting, let siblings drain
					}
					if err := s.transferOne(ctx, f, idx); err != nil {
						recordErr(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

func (s *scheduler) transferOne(ctx context.Context, f *upload.FileState, chunkIndex int) error {
	data, err := s.readChunk(f, chunkIndex)
	if err != nil {
		return err
	}

	slog.Debug("upload", "op", "part_start", "key", f.Key.String(), "part", chunkIndex+1, "of", f.Total)

	token, err := s.transfer.TransferPart(ctx, f, chunkIndex, data, func(fraction float64) {
		f.SetPartProgress(chunkIndex, fraction)
		if s.onProgress != nil {
			s.onProgress(f)
		}
	})
	if err != nil {
		f.ClearPartProgress(chunkIndex)
		if s.onProgress != nil {
			s.onProgress(f)
		}
		return err
	}

	f.ConfirmPart(chunkIndex, token)
	if s.onConfirmed != nil {
		s.onConfirmed(f, chunkIndex)
	}

	slog.Debug("upload", "op", "part_done", "key", f.Key.String(), "part", chunkIndex+1, "of", f.Total)
	return nil
}
