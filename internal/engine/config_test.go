package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeware/formgate/internal/upload"
)

func TestResolveConfigStaged(t *testing.T) {
	cfg, err := ResolveConfig(Declaration{
		Mode:      "staged",
		Endpoint:  "https://store.example.com/uploads",
		ChunkSize: 16 * 1024 * 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, upload.ModeStaged, cfg.Mode)
	assert.Equal(t, "https://store.example.com/uploads", cfg.Endpoint)
	assert.Equal(t, int64(16*1024*1024), cfg.ChunkSize)
	assert.Equal(t, PostSubmitKeep, cfg.PostSubmit)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
}

func TestResolveConfigNoUpload(t *testing.T) {
	_, err := ResolveConfig(Declaration{})
	assert.ErrorIs(t, err, ErrNoUpload)
}

func TestResolveConfigUnknownMode(t *testing.T) {
	_, err := ResolveConfig(Declaration{Mode: "turbo", Endpoint: "https://x"})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, CodeBadMode, cfgErr.Code)
}

func TestResolveConfigChunkSizeClamped(t *testing.T) {
	cfg, err := ResolveConfig(Declaration{
		Mode:      "staged",
		Endpoint:  "https://x",
		ChunkSize: 1024, // far below the part minimum
	})
	require.NoError(t, err)
	assert.Equal(t, MinChunkSize, cfg.ChunkSize)
}

func TestResolveConfigNegativeChunkSize(t *testing.T) {
	_, err := ResolveConfig(Declaration{Mode: "staged", Endpoint: "https://x", ChunkSize: -1})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, CodeBadChunkSize, cfgErr.Code)
}

func TestResolveConfigEndpointFallback(t *testing.T) {
	// simple mode falls back to the form action
	cfg, err := ResolveConfig(Declaration{Mode: "simple", FormAction: "/submit"})
	require.NoError(t, err)
	assert.Equal(t, "/submit", cfg.Endpoint)

	// staged mode does not
	_, err = ResolveConfig(Declaration{Mode: "staged", FormAction: "/submit"})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, CodeMissingEndpoint, cfgErr.Code)

	// simple with neither endpoint nor action is an error
	_, err = ResolveConfig(Declaration{Mode: "simple"})
	assert.True(t, errors.As(err, &cfgErr))
}

func TestResolveConfigConflictingRedirect(t *testing.T) {
	cfg, err := ResolveConfig(Declaration{
		Mode:       "simple",
		Endpoint:   "https://x",
		PostSubmit: "clear",
		Redirect:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, PostSubmitClear, cfg.PostSubmit)
	assert.True(t, cfg.ConflictingRedirect) // flagged, not fatal

	cfg, err = ResolveConfig(Declaration{
		Mode:       "simple",
		Endpoint:   "https://x",
		PostSubmit: "keep",
		Redirect:   true,
	})
	require.NoError(t, err)
	assert.False(t, cfg.ConflictingRedirect)
}
