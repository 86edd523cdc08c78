package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/glazeware/formgate/internal/upload"
)

const (
	// MinChunkSize is the staged-protocol part minimum (object stores
	// reject smaller non-final parts). Declared chunk sizes below it
	// are raised silently with a diagnostic.
	MinChunkSize = int64(5 * 1024 * 1024)

	// DefaultChunkSize applies when a staged form declares no override.
	DefaultChunkSize = int64(8 * 1024 * 1024)

	// DefaultConcurrency is the per-file cap on in-flight part
	// transfers. Per file, not global: many files uploading at once
	// multiply the total (see the resource note in DESIGN.md).
	DefaultConcurrency = 4
)

// ErrNoUpload signals that the form declares no upload behavior and no
// engine should attach to it.
var ErrNoUpload = errors.New("engine: no upload declared")

const (
	CodeBadMode         = "E_CONFIG_BAD_MODE"
	CodeBadChunkSize    = "E_CONFIG_BAD_CHUNK_SIZE"
	CodeMissingEndpoint = "E_CONFIG_MISSING_ENDPOINT"
)

// ConfigError is a non-fatal configuration problem: it is logged and
// the engine does not attach to the offending form.
type ConfigError struct {
	Code    string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s - %s", e.Code, e.Message)
}

// PostSubmit selects what happens to the session after a successful
// gated submission.
type PostSubmit string

const (
	PostSubmitClear PostSubmit = "clear"
	PostSubmitKeep  PostSubmit = "keep"
)

// Declaration is a form's upload declaration, already parsed out of the
// markup by the external attribute parser.
type Declaration struct {
	Mode       string // "staged" | "simple", empty means no upload
	Endpoint   string // endpoint override
	FormAction string // fallback endpoint for simple mode
	ChunkSize  int64  // staged chunk size override, bytes; 0 means default
	PostSubmit string // "clear" | "keep", empty means keep
	Redirect   bool   // a cross-page redirect is declared on the same submission
}

// Config is the immutable per-form upload configuration.
type Config struct {
	Mode                upload.Mode
	Endpoint            string
	ChunkSize           int64
	PostSubmit          PostSubmit
	ConflictingRedirect bool
	Concurrency         int
}

// ResolveConfig validates a declaration into a Config. It returns
// ErrNoUpload when the form declares nothing, and a ConfigError for
// conflicting or incomplete declarations.
func ResolveConfig(decl Declaration) (*Config, error) {
	if decl.Mode == "" {
		return nil, ErrNoUpload
	}

	mode := upload.Mode(decl.Mode)
	if mode != upload.ModeSimple && mode != upload.ModeStaged {
		return nil, &ConfigError{
			Code:    CodeBadMode,
			Message: fmt.Sprintf("unknown upload mode %q", decl.Mode),
		}
	}

	endpoint := decl.Endpoint
	if endpoint == "" && mode == upload.ModeSimple {
		endpoint = decl.FormAction
	}
	if endpoint == "" {
		return nil, &ConfigError{
			Code:    CodeMissingEndpoint,
			Message: fmt.Sprintf("upload mode %q requires an endpoint", mode),
		}
	}

	chunkSize := DefaultChunkSize
	if decl.ChunkSize != 0 {
		if decl.ChunkSize < 0 {
			return nil, &ConfigError{
				Code:    CodeBadChunkSize,
				Message: fmt.Sprintf("chunk size must be positive, got %d", decl.ChunkSize),
			}
		}
		chunkSize = decl.ChunkSize
	}
	if mode == upload.ModeStaged && chunkSize < MinChunkSize {
		slog.Warn("upload config: chunk size below protocol minimum, raising",
			"declared", chunkSize, "minimum", MinChunkSize)
		chunkSize = MinChunkSize
	}

	postSubmit := PostSubmitKeep
	if decl.PostSubmit == string(PostSubmitClear) {
		postSubmit = PostSubmitClear
	}

	// Clearing the session and redirecting away describe incompatible
	// post-submit UI treatments. Non-fatal: flag it and keep going.
	conflict := postSubmit == PostSubmitClear && decl.Redirect
	if conflict {
		slog.Warn("upload config: post-submit clear conflicts with declared redirect",
			"endpoint", endpoint)
	}

	return &Config{
		Mode:                mode,
		Endpoint:            endpoint,
		ChunkSize:           chunkSize,
		PostSubmit:          postSubmit,
		ConflictingRedirect: conflict,
		Concurrency:         DefaultConcurrency,
	}, nil
}
