package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/glazeware/formgate/internal/bytesource"
	"github.com/glazeware/formgate/internal/protocol"
	"github.com/glazeware/formgate/internal/upload"
)

// Session is the set of in-flight and completed file transfers
// associated with one form, plus at most one pending submission.
type Session struct {
	id     string
	cfg    *Config
	engine *Engine
	simple *protocol.SimpleAdapter
	staged *protocol.StagedAdapter
	sched  *scheduler

	// initMu serializes batched init requests so concurrent file
	// starts do not double-initialize the same files.
	initMu sync.Mutex

	mu      sync.Mutex
	files   map[upload.Key]*upload.FileState
	pending *upload.PendingSubmission
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Config() *Config {
	return s.cfg
}

// AddFile registers a freshly selected file and starts its transfer. A
// file already occupying the key is superseded: its state and persisted
// chunks are deleted before the new one is created.
func (s *Session) AddFile(key upload.Key, src bytesource.ByteRangeSource) (*upload.FileState, error) {
	f := upload.NewFileState(s.id, key, src, s.cfg.Mode, s.cfg.ChunkSize)

	// swap and clean up under one critical section: persist serializes
	// on the same lock, so a superseded file's in-flight write cannot
	// land after the cleanup that deletes it
	s.mu.Lock()
	prev := s.files[key]
	s.files[key] = f
	if prev != nil {
		s.engine.board.Remove(prev.FileUUID)
		if err := s.engine.store.DeleteFile(s.id, key); err != nil {
			slog.Warn("upload store: delete superseded file", "key", key.String(), "error", err)
		}
	}
	s.mu.Unlock()

	if prev != nil {
		slog.Debug("upload", "op", "superseded", "session", s.id, "key", key.String(), "file", prev.Name)
	}

	s.engine.persist(f)
	slog.Info("upload", "op", "queued", "session", s.id, "key", key.String(), "file", f.Name, "size", f.Size, "chunks", f.Total)

	// staged mode slices the file up front and stores each chunk so
	// the transfer can resume after a restart
	if s.cfg.Mode == upload.ModeStaged {
		if err := s.persistChunks(f, src); err != nil {
			s.engine.failFile(s, f, err)
			return f, err
		}
	}

	go s.engine.startFile(s, f) //nolint:errcheck // failure is recorded as file state

	return f, nil
}

func (s *Session) persistChunks(f *upload.FileState, src bytesource.ByteRangeSource) error {
	for i := 0; i < f.Total; i++ {
		offset, length := f.ChunkRange(i)
		data, err := src.ReadRange(offset, length)
		if err != nil {
			return err
		}
		if err := s.engine.store.PutChunk(s.id, f.Key, i, data); err != nil {
			// advisory: the in-memory source still has the bytes
			slog.Warn("upload store: put chunk", "key", f.Key.String(), "chunk", i, "error", err)
		}
	}
	return nil
}

// File returns the state at a key, if any.
func (s *Session) File(key upload.Key) (*upload.FileState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[key]
	return f, ok
}

// Files returns the session's file states ordered by input name and
// file index.
func (s *Session) Files() []*upload.FileState {
	s.mu.Lock()
	files := make([]*upload.FileState, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	s.mu.Unlock()

	sort.Slice(files, func(i, j int) bool {
		if files[i].Key.InputName != files[j].Key.InputName {
			return files[i].Key.InputName < files[j].Key.InputName
		}
		return files[i].Key.FileIndex < files[j].Key.FileIndex
	})
	return files
}

// filesPendingInit returns the staged files still waiting for handles.
func (s *Session) filesPendingInit() []*upload.FileState {
	pending := make([]*upload.FileState, 0)
	for _, f := range s.Files() {
		if !f.Status().Terminal() && !f.Initialized() {
			pending = append(pending, f)
		}
	}
	return pending
}

// setPending captures a deferred submission, superseding any previous
// one, and persists it.
func (s *Session) setPending(p *upload.PendingSubmission) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()

	if err := s.engine.store.PutPendingSubmission(p); err != nil {
		slog.Warn("upload store: put pending submission", "session", s.id, "error", err)
	}
}

// takeReplayablePending atomically removes and returns the pending
// submission when every file is terminal and none failed; nil
// otherwise. Removing under the lock keeps two files that finish at
// the same moment from replaying twice.
func (s *Session) takeReplayablePending() *upload.PendingSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return nil
	}
	for _, f := range s.files {
		status := f.Status()
		if !status.Terminal() || status == upload.StatusFailed {
			return nil
		}
	}

	pending := s.pending
	s.pending = nil
	return pending
}

// restorePending puts a popped submission back after a failed replay,
// unless a newer one superseded it meanwhile.
func (s *Session) restorePending(p *upload.PendingSubmission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = p
	}
}

// Clear destroys the session's file states, persisted records and
// chunks, progress entries, and any pending submission.
func (s *Session) Clear() {
	s.mu.Lock()
	files := make([]*upload.FileState, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	s.files = make(map[upload.Key]*upload.FileState)
	s.pending = nil
	s.mu.Unlock()

	for _, f := range files {
		s.engine.board.Remove(f.FileUUID)
	}
	if err := s.engine.store.ClearSession(s.id); err != nil {
		slog.Warn("upload store: clear session", "session", s.id, "error", err)
	}
	slog.Info("upload", "op", "session_cleared", "session", s.id, "files", len(files))
}
