// Package store is the durable side of the upload engine: file records,
// not-yet-confirmed chunk bytes, and deferred form submissions, all in a
// local SQLite database so transfers survive a restart.
//
// Every operation here is advisory for callers: the engine keeps working
// from in-memory state when a store call fails, logging a diagnostic
// instead of aborting the transfer.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/glazeware/formgate/internal/db"
	"github.com/glazeware/formgate/internal/upload"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_files (
    session_id      TEXT    NOT NULL,
    input_name      TEXT    NOT NULL,
    file_index      INTEGER NOT NULL,
    file_uuid       TEXT    NOT NULL,
    name            TEXT    NOT NULL,
    size            INTEGER NOT NULL,
    mime            TEXT    NOT NULL,
    chunk_size      INTEGER NOT NULL,
    total_chunks    INTEGER NOT NULL,
    status          TEXT    NOT NULL,
    uploaded_chunks INTEGER NOT NULL,
    staging_handle  TEXT    NOT NULL DEFAULT '',
    part_urls       TEXT    NOT NULL DEFAULT '[]',
    confirmations   TEXT    NOT NULL DEFAULT '[]',
    remote_id       TEXT    NOT NULL DEFAULT '',
    path            TEXT    NOT NULL DEFAULT '',
    last_error      TEXT    NOT NULL DEFAULT '',
    updated_at      TEXT    NOT NULL, -- RFC3339
    PRIMARY KEY (session_id, input_name, file_index)
);

CREATE INDEX IF NOT EXISTS idx_upload_files_session ON upload_files(session_id);

CREATE TABLE IF NOT EXISTS upload_chunks (
    session_id  TEXT    NOT NULL,
    input_name  TEXT    NOT NULL,
    file_index  INTEGER NOT NULL,
    chunk_index INTEGER NOT NULL,
    data        BLOB    NOT NULL,
    PRIMARY KEY (session_id, input_name, file_index, chunk_index)
);

CREATE TABLE IF NOT EXISTS pending_submissions (
    session_id  TEXT PRIMARY KEY,
    method      TEXT NOT NULL,
    action_url  TEXT NOT NULL,
    payload     TEXT NOT NULL, -- url.Values as JSON
    target_hint TEXT NOT NULL DEFAULT '',
    captured_at TEXT NOT NULL  -- RFC3339
);
`

// dbFileRecord mirrors an upload_files row. Slices are stored as JSON
// text, times as RFC3339 strings.
type dbFileRecord struct {
	SessionID      string `db:"session_id"`
	InputName      string `db:"input_name"`
	FileIndex      int    `db:"file_index"`
	FileUUID       string `db:"file_uuid"`
	Name           string `db:"name"`
	Size           int64  `db:"size"`
	MIME           string `db:"mime"`
	ChunkSize      int64  `db:"chunk_size"`
	TotalChunks    int    `db:"total_chunks"`
	Status         string `db:"status"`
	UploadedChunks int    `db:"uploaded_chunks"`
	StagingHandle  string `db:"staging_handle"`
	PartURLs       string `db:"part_urls"`
	Confirmations  string `db:"confirmations"`
	RemoteID       string `db:"remote_id"`
	Path           string `db:"path"`
	LastError      string `db:"last_error"`
	UpdatedAt      string `db:"updated_at"`
}

type dbPendingSubmission struct {
	SessionID  string `db:"session_id"`
	Method     string `db:"method"`
	ActionURL  string `db:"action_url"`
	Payload    string `db:"payload"`
	TargetHint string `db:"target_hint"`
	CapturedAt string `db:"captured_at"`
}

// Store is the transactional local object store for upload state.
type Store struct {
	db     *sqlx.DB
	dbPath string
}

// New prepares a store backed by the SQLite database at dbPath. Use
// ":memory:" for tests. Call Open before use.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Open connects to the database and initializes the schema.
func (s *Store) Open() error {
	if s.db != nil {
		return fmt.Errorf("store already open")
	}

	handle, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open upload store: %w", err)
	}

	if _, err := handle.Exec(schema); err != nil {
		handle.Close()
		return fmt.Errorf("initialize upload store schema: %w", err)
	}

	s.db = handle
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return fmt.Errorf("store not open")
	}
	if err := s.db.Close(); err != nil {
		slog.Error("upload store close", "error", err)
		return err
	}
	s.db = nil
	return nil
}

// PutFileRecord upserts the durable projection of a file state.
func (s *Store) PutFileRecord(snap *upload.Snapshot) error {
	partURLs, err := json.Marshal(snap.PartURLs)
	if err != nil {
		return fmt.Errorf("encode part urls: %w", err)
	}
	confirmations, err := json.Marshal(snap.Confirmations)
	if err != nil {
		return fmt.Errorf("encode confirmations: %w", err)
	}

	rec := dbFileRecord{
		SessionID:      snap.SessionID,
		InputName:      snap.Key.InputName,
		FileIndex:      snap.Key.FileIndex,
		FileUUID:       snap.FileUUID,
		Name:           snap.Name,
		Size:           snap.Size,
		MIME:           snap.MIME,
		ChunkSize:      snap.ChunkSize,
		TotalChunks:    snap.Total,
		Status:         string(snap.Status),
		UploadedChunks: snap.UploadedChunks,
		StagingHandle:  snap.StagingHandle,
		PartURLs:       string(partURLs),
		Confirmations:  string(confirmations),
		RemoteID:       snap.RemoteID,
		Path:           snap.Path,
		LastError:      snap.LastError,
		UpdatedAt:      snap.UpdatedAt.Format(time.RFC3339),
	}

	query := `INSERT OR REPLACE INTO upload_files (
	    session_id, input_name, file_index, file_uuid, name, size, mime,
	    chunk_size, total_chunks, status, uploaded_chunks, staging_handle,
	    part_urls, confirmations, remote_id, path, last_error, updated_at
	) VALUES (
	    :session_id, :input_name, :file_index, :file_uuid, :name, :size, :mime,
	    :chunk_size, :total_chunks, :status, :uploaded_chunks, :staging_handle,
	    :part_urls, :confirmations, :remote_id, :path, :last_error, :updated_at
	)`
	if _, err := s.db.NamedExec(query, rec); err != nil {
		return fmt.Errorf("put file record %s: %w", snap.Key, err)
	}
	return nil
}

// ListFileRecords returns every persisted file record for a session.
func (s *Store) ListFileRecords(sessionID string) ([]*upload.Snapshot, error) {
	var recs []dbFileRecord
	err := s.db.Select(&recs, `SELECT * FROM upload_files WHERE session_id = ? ORDER BY input_name, file_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list file records for %s: %w", sessionID, err)
	}

	snaps := make([]*upload.Snapshot, 0, len(recs))
	for i := range recs {
		snap, err := recs[i].snapshot()
		if err != nil {
			slog.Error("upload store: skipping corrupt file record", "session", sessionID, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (r *dbFileRecord) snapshot() (*upload.Snapshot, error) {
	var partURLs, confirmations []string
	if err := json.Unmarshal([]byte(r.PartURLs), &partURLs); err != nil {
		return nil, fmt.Errorf("decode part urls: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Confirmations), &confirmations); err != nil {
		return nil, fmt.Errorf("decode confirmations: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &upload.Snapshot{
		SessionID:      r.SessionID,
		FileUUID:       r.FileUUID,
		Key:            upload.Key{InputName: r.InputName, FileIndex: r.FileIndex},
		Name:           r.Name,
		Size:           r.Size,
		MIME:           r.MIME,
		ChunkSize:      r.ChunkSize,
		Total:          r.TotalChunks,
		Status:         upload.Status(r.Status),
		UploadedChunks: r.UploadedChunks,
		StagingHandle:  r.StagingHandle,
		PartURLs:       partURLs,
		Confirmations:  confirmations,
		RemoteID:       r.RemoteID,
		Path:           r.Path,
		LastError:      r.LastError,
		UpdatedAt:      updatedAt,
	}, nil
}

// PutChunk stores the raw bytes of a not-yet-confirmed chunk.
func (s *Store) PutChunk(sessionID string, key upload.Key, chunkIndex int, data []byte) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO upload_chunks (session_id, input_name, file_index, chunk_index, data) VALUES (?, ?, ?, ?, ?)`,
		sessionID, key.InputName, key.FileIndex, chunkIndex, data,
	)
	if err != nil {
		return fmt.Errorf("put chunk %s/%d: %w", key, chunkIndex, err)
	}
	return nil
}

// GetChunk returns a chunk's bytes, or (nil, nil) when it was never
// stored or already pruned.
func (s *Store) GetChunk(sessionID string, key upload.Key, chunkIndex int) ([]byte, error) {
	var data []byte
	err := s.db.Get(&data,
		`SELECT data FROM upload_chunks WHERE session_id = ? AND input_name = ? AND file_index = ? AND chunk_index = ?`,
		sessionID, key.InputName, key.FileIndex, chunkIndex,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chunk %s/%d: %w", key, chunkIndex, err)
	}
	return data, nil
}

// DeleteChunk prunes one chunk's bytes, typically right after its
// confirmation token arrives.
func (s *Store) DeleteChunk(sessionID string, key upload.Key, chunkIndex int) error {
	_, err := s.db.Exec(
		`DELETE FROM upload_chunks WHERE session_id = ? AND input_name = ? AND file_index = ? AND chunk_index = ?`,
		sessionID, key.InputName, key.FileIndex, chunkIndex,
	)
	if err != nil {
		return fmt.Errorf("delete chunk %s/%d: %w", key, chunkIndex, err)
	}
	return nil
}

// DeleteFile removes a file record and all of its chunks.
func (s *Store) DeleteFile(sessionID string, key upload.Key) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("delete file %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM upload_chunks WHERE session_id = ? AND input_name = ? AND file_index = ?`,
		sessionID, key.InputName, key.FileIndex,
	); err != nil {
		return fmt.Errorf("delete file chunks %s: %w", key, err)
	}
	if _, err := tx.Exec(
		`DELETE FROM upload_files WHERE session_id = ? AND input_name = ? AND file_index = ?`,
		sessionID, key.InputName, key.FileIndex,
	); err != nil {
		return fmt.Errorf("delete file record %s: %w", key, err)
	}

	return tx.Commit()
}

// PutPendingSubmission persists a deferred submission, superseding any
// previous one for the session.
func (s *Store) PutPendingSubmission(p *upload.PendingSubmission) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("encode pending submission payload: %w", err)
	}

	rec := dbPendingSubmission{
		SessionID:  p.SessionID,
		Method:     p.Method,
		ActionURL:  p.ActionURL,
		Payload:    string(payload),
		TargetHint: p.TargetHint,
		CapturedAt: p.CapturedAt.Format(time.RFC3339),
	}

	query := `INSERT OR REPLACE INTO pending_submissions (session_id, method, action_url, payload, target_hint, captured_at)
	          VALUES (:session_id, :method, :action_url, :payload, :target_hint, :captured_at)`
	if _, err := s.db.NamedExec(query, rec); err != nil {
		return fmt.Errorf("put pending submission for %s: %w", p.SessionID, err)
	}
	return nil
}

// GetPendingSubmission returns the session's deferred submission, or
// (nil, nil) when there is none.
func (s *Store) GetPendingSubmission(sessionID string) (*upload.PendingSubmission, error) {
	var rec dbPendingSubmission
	err := s.db.Get(&rec, `SELECT * FROM pending_submissions WHERE session_id = ?`, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending submission for %s: %w", sessionID, err)
	}

	var payload url.Values
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		return nil, fmt.Errorf("decode pending submission payload: %w", err)
	}
	capturedAt, err := time.Parse(time.RFC3339, rec.CapturedAt)
	if err != nil {
		return nil, fmt.Errorf("parse captured_at: %w", err)
	}

	return &upload.PendingSubmission{
		SessionID:  rec.SessionID,
		Method:     rec.Method,
		ActionURL:  rec.ActionURL,
		Payload:    payload,
		TargetHint: rec.TargetHint,
		CapturedAt: capturedAt,
	}, nil
}

// DeletePendingSubmission removes the session's deferred submission.
func (s *Store) DeletePendingSubmission(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM pending_submissions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete pending submission for %s: %w", sessionID, err)
	}
	return nil
}

// ClearSession drops everything persisted for a session: file records,
// chunk bytes, and any pending submission.
func (s *Store) ClearSession(sessionID string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM upload_chunks WHERE session_id = ?`,
		`DELETE FROM upload_files WHERE session_id = ?`,
		`DELETE FROM pending_submissions WHERE session_id = ?`,
	} {
		if _, err := tx.Exec(q, sessionID); err != nil {
			return fmt.Errorf("clear session %s: %w", sessionID, err)
		}
	}

	return tx.Commit()
}
