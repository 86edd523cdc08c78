// Package engine drives file uploads for forms: it owns the
// session arena, schedules chunk transfers through a protocol adapter,
// persists state so uploads survive a restart, and gates form
// submissions until every file has finished transferring.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/glazeware/formgate/internal/progress"
	"github.com/glazeware/formgate/internal/protocol"
	"github.com/glazeware/formgate/internal/store"
	"github.com/glazeware/formgate/internal/upload"
)

// Submitter is the generic request pipeline's entry point, used to
// replay a deferred submission once its gating uploads complete.
type Submitter interface {
	Submit(ctx context.Context, sub *upload.FormSubmission) error
}

// errAlreadyFailed marks a file whose failure was recorded by a
// sibling's batched init; the file's own run must not overwrite it.
var errAlreadyFailed = errors.New("engine: file already failed")

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc func(ctx context.Context, sub *upload.FormSubmission) error

func (fn SubmitterFunc) Submit(ctx context.Context, sub *upload.FormSubmission) error {
	return fn(ctx, sub)
}

// Engine owns every upload session. Callers address sessions by
// identifier; there are no ambient globals.
type Engine struct {
	store     *store.Store
	board     *progress.Board
	submitter Submitter

	mu       sync.Mutex
	sessions map[string]*Session

	// flight dedupes concurrent Start calls per file: starting a file
	// that is already transferring is a no-op.
	flight singleflight.Group
}

func New(st *store.Store, board *progress.Board, submitter Submitter) *Engine {
	if board == nil {
		board = progress.NewBoard()
	}
	return &Engine{
		store:     st,
		board:     board,
		submitter: submitter,
		sessions:  make(map[string]*Session),
	}
}

// Board exposes the read-only progress list.
func (e *Engine) Board() *progress.Board {
	return e.board
}

// Session returns the session for sessionID, creating it if needed. On
// creation, persisted file records and any pending submission are
// loaded: files with a known remote identifier count as completed,
// everything else resumes transferring. An existing session keeps the
// config it was created with; a differing cfg is logged and ignored.
func (e *Engine) Session(sessionID string, cfg *Config) *Session {
	e.mu.Lock()
	if s, ok := e.sessions[sessionID]; ok {
		if cfg != nil && *cfg != *s.cfg {
			slog.Warn("upload", "op", "session_config_ignored", "session", sessionID,
				"mode", cfg.Mode, "active_mode", s.cfg.Mode)
		}
		e.mu.Unlock()
		return s
	}

	client := protocol.NewClient()
	s := &Session{
		id:     sessionID,
		cfg:    cfg,
		engine: e,
		simple: protocol.NewSimpleAdapter(client, cfg.Endpoint),
		staged: protocol.NewStagedAdapter(client, cfg.Endpoint),
		files:  make(map[upload.Key]*upload.FileState),
	}
	s.sched = &scheduler{
		transfer:    s.staged,
		concurrency: cfg.Concurrency,
		readChunk:   func(f *upload.FileState, idx int) ([]byte, error) { return e.readChunk(f, idx) },
		onConfirmed: func(f *upload.FileState, idx int) { e.chunkConfirmed(f, idx) },
		onProgress:  func(f *upload.FileState) { e.board.Update(f.Snapshot()) },
	}
	e.sessions[sessionID] = s
	e.mu.Unlock()

	e.restoreSession(s)
	return s
}

func (e *Engine) lookup(sessionID string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionID]
}

// restoreSession loads whatever the store remembers about the session
// and resumes unfinished transfers. Store failures are advisory: the
// session simply starts empty.
func (e *Engine) restoreSession(s *Session) {
	snaps, err := e.store.ListFileRecords(s.id)
	if err != nil {
		slog.Warn("upload store: list file records", "session", s.id, "error", err)
	}

	resume := make([]*upload.FileState, 0, len(snaps))
	s.mu.Lock()
	for _, snap := range snaps {
		f := upload.Restore(snap)
		if f.RemoteID() != "" && f.Status() != upload.StatusCompleted {
			f.SetRemoteID(f.RemoteID()) // identifier known: treat as completed
		}
		s.files[f.Key] = f
		if !f.Status().Terminal() {
			resume = append(resume, f)
		}
	}
	s.mu.Unlock()

	for _, f := range s.Files() {
		e.board.Update(f.Snapshot())
	}

	pending, err := e.store.GetPendingSubmission(s.id)
	if err != nil {
		slog.Warn("upload store: get pending submission", "session", s.id, "error", err)
	}
	if pending != nil {
		s.mu.Lock()
		s.pending = pending
		s.mu.Unlock()
		slog.Info("upload", "op", "pending_submission_loaded", "session", s.id, "action", pending.ActionURL)
	}

	for _, f := range resume {
		go e.startFile(s, f) //nolint:errcheck // failure is recorded as file state
	}
	if len(resume) == 0 && pending != nil {
		// everything finished before the restart; the submission may be
		// immediately replayable
		go e.maybeReplay(context.Background(), s)
	}
}

// startFile runs the transfer for one file, deduping concurrent calls.
// All failure is communicated as file state; the error return exists
// for internal callers and tests.
func (e *Engine) startFile(s *Session, f *upload.FileState) error {
	_, err, _ := e.flight.Do(f.FileUUID, func() (any, error) {
		if cur, ok := s.File(f.Key); !ok || cur != f {
			return nil, nil // superseded before the transfer began
		}
		return nil, e.runFile(context.Background(), s, f)
	})
	return err
}

func (e *Engine) runFile(ctx context.Context, s *Session, f *upload.FileState) error {
	if f.RemoteID() != "" {
		e.persist(f)
		e.maybeReplay(ctx, s)
		return nil
	}
	if f.Status() == upload.StatusFailed {
		// a failed file stays failed until the user re-selects it
		return nil
	}

	f.SetStatus(upload.StatusUploading)
	e.persist(f)
	slog.Info("upload", "op", "uploading", "session", s.id, "key", f.Key.String(), "file", f.Name, "chunks", f.Total)

	var remoteID string
	var err error
	switch s.cfg.Mode {
	case upload.ModeSimple:
		remoteID, err = e.runSimple(ctx, s, f)
	default:
		remoteID, err = e.runStaged(ctx, s, f)
	}

	if err != nil {
		if errors.Is(err, errAlreadyFailed) {
			return nil
		}
		e.failFile(s, f, err)
		return err
	}

	f.SetRemoteID(remoteID)
	e.persist(f)
	slog.Info("upload", "op", "completed", "session", s.id, "key", f.Key.String(), "remote", remoteID)
	e.maybeReplay(ctx, s)
	return nil
}

// runSimple performs the whole-file transfer. Exactly one network call;
// a failure requires re-transferring the entire file.
func (e *Engine) runSimple(ctx context.Context, s *Session, f *upload.FileState) (string, error) {
	remoteID, err := s.simple.Start(ctx, f, func(fraction float64) {
		f.SetPartProgress(0, fraction)
		e.board.Update(f.Snapshot())
	})
	if err != nil {
		return "", err
	}

	f.ConfirmPart(0, "confirm-1")
	f.SetStatus(upload.StatusFinalizing)
	e.persist(f)
	slog.Debug("upload", "op", "finalize", "session", s.id, "key", f.Key.String())
	return remoteID, nil
}

// runStaged initializes handles if needed, drains pending parts through
// the bounded scheduler, and finalizes once all parts are confirmed.
func (e *Engine) runStaged(ctx context.Context, s *Session, f *upload.FileState) (string, error) {
	if err := e.ensureInit(ctx, s, f); err != nil {
		return "", err
	}

	if err := s.sched.drain(ctx, f); err != nil {
		return "", err
	}

	// finalize only runs with every part confirmed
	f.SetStatus(upload.StatusFinalizing)
	e.persist(f)
	slog.Debug("upload", "op", "finalize", "session", s.id, "key", f.Key.String())

	outcomes, err := s.staged.Complete(ctx, []*upload.FileState{f})
	if err != nil {
		return "", err
	}
	for _, outcome := range outcomes {
		if outcome.File.FileUUID == f.FileUUID {
			if outcome.Err != nil {
				return "", outcome.Err
			}
			return outcome.RemoteID, nil
		}
	}
	return f.Path(), nil
}

// ensureInit acquires staging handles for this file and, in the same
// batched request, every other session file still waiting for them.
// Serialized so concurrent file starts do not double-init.
func (e *Engine) ensureInit(ctx context.Context, s *Session, f *upload.FileState) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if f.Status() == upload.StatusFailed {
		// failed while waiting for the lock: a sibling's batched init
		// already recorded this file's protocol error
		return errAlreadyFailed
	}
	if f.Initialized() {
		return nil
	}

	batch := s.filesPendingInit()
	failures, err := s.staged.Init(ctx, batch)
	if err != nil {
		return err
	}

	for _, other := range batch {
		if other.FileUUID == f.FileUUID {
			continue
		}
		if ferr, ok := failures[other.FileUUID]; ok {
			e.failFile(s, other, ferr)
		} else {
			e.persist(other)
		}
	}
	if ferr, ok := failures[f.FileUUID]; ok {
		return ferr
	}

	e.persist(f)
	return nil
}

func (e *Engine) failFile(s *Session, f *upload.FileState, err error) {
	f.Fail(err.Error())
	e.persist(f)
	slog.Error("upload", "op", "failed", "session", s.id, "key", f.Key.String(), "error", err)
}

// persist writes the durable projection and refreshes the progress
// entry. Store failures are advisory. The write happens under the
// session lock, mutually exclusive with AddFile's supersede cleanup: a
// file that no longer occupies its key is dropped instead of persisted,
// and cannot resurrect the record or board entry its replacement
// deleted.
func (e *Engine) persist(f *upload.FileState) {
	s := e.lookup(f.SessionID)
	if s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.files[f.Key]; !ok || cur != f {
			e.board.Remove(f.FileUUID)
			return
		}
	}

	snap := f.Snapshot()
	if err := e.store.PutFileRecord(snap); err != nil {
		slog.Warn("upload store: put file record", "key", f.Key.String(), "error", err)
	}
	e.board.Update(snap)
}

// readChunk resolves a chunk's bytes from the persistent store, falling
// back to the in-memory byte source when the blob was never stored or
// the store is unavailable.
func (e *Engine) readChunk(f *upload.FileState, chunkIndex int) ([]byte, error) {
	data, err := e.store.GetChunk(f.SessionID, f.Key, chunkIndex)
	if err != nil {
		slog.Warn("upload store: get chunk", "key", f.Key.String(), "chunk", chunkIndex, "error", err)
	}
	if data != nil {
		return data, nil
	}

	if f.Source == nil {
		return nil, protocol.ErrNoByteSource
	}
	offset, length := f.ChunkRange(chunkIndex)
	return f.Source.ReadRange(offset, length)
}

// chunkConfirmed persists the updated record and prunes the confirmed
// chunk's bytes to bound storage growth.
func (e *Engine) chunkConfirmed(f *upload.FileState, chunkIndex int) {
	e.persist(f)
	if err := e.store.DeleteChunk(f.SessionID, f.Key, chunkIndex); err != nil {
		slog.Warn("upload store: delete chunk", "key", f.Key.String(), "chunk", chunkIndex, "error", err)
	}
}

// maybeReplay replays the session's pending submission once every file
// is terminal and none has failed.
func (e *Engine) maybeReplay(ctx context.Context, s *Session) {
	pending := s.takeReplayablePending()
	if pending == nil {
		return
	}

	if e.submitter == nil {
		slog.Warn("upload", "op", "replay_skipped", "session", s.id, "reason", "no submitter configured")
		s.restorePending(pending)
		return
	}

	sub := pending.Submission()
	sub.Payload = e.mergeIdentifiers(s, sub.Payload)

	slog.Info("upload", "op", "replay", "session", s.id, "action", sub.ActionURL)
	if err := e.submitter.Submit(ctx, sub); err != nil {
		slog.Error("upload", "op", "replay_failed", "session", s.id, "error", err)
		s.restorePending(pending)
		return
	}

	if err := e.store.DeletePendingSubmission(s.id); err != nil {
		slog.Warn("upload store: delete pending submission", "session", s.id, "error", err)
	}

	if s.cfg.PostSubmit == PostSubmitClear {
		s.Clear()
	}
}
