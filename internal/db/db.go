package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/glazeware/formgate/internal/utils"
)

// Pragmas tuned for a small local store that sees frequent single-row
// writes (file records, chunk blobs) from a handful of goroutines.
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA synchronous=NORMAL;
`

type config struct {
	path         string
	pragmas      string
	maxOpenConns int
}

// SqliteOption configures the database connection.
type SqliteOption func(*config)

// WithPath sets the database file path. Use ":memory:" for an
// in-memory database (tests).
func WithPath(path string) SqliteOption {
	return func(c *config) {
		c.path = path
	}
}

// WithPragmas replaces the default pragmas.
func WithPragmas(pragmas string) SqliteOption {
	return func(c *config) {
		c.pragmas = pragmas
	}
}

// WithMaxOpenConns caps the connection pool size.
func WithMaxOpenConns(n int) SqliteOption {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// NewSqliteDB opens an sqlx handle with the configured options applied.
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	cfg := &config{
		path:    ":memory:",
		pragmas: defaultPragma,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	if cfg.path != ":memory:" {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	} else {
		dsn = ":memory:"
	}

	slog.Debug("db open", "driver", driverID, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return db, nil
}
