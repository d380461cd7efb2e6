package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 768, cfg.Embeddings.Dimensions)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 2*time.Second, cfg.Sync.DebounceWindow)
	assert.True(t, cfg.Vector.Hybrid)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Search.TopK, cfg.Search.TopK)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
search:
  top_k: 25
  threshold: 0.3
  rrf_constant: 90
embeddings:
  dimensions: 384
  batch_size: 16
  concurrency: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Search.TopK)
	assert.Equal(t, 0.3, cfg.Search.Threshold)
	assert.Equal(t, 90, cfg.Search.RRFConstant)
	assert.Equal(t, 384, cfg.Embeddings.Dimensions)
	// Untouched sections keep defaults.
	assert.Equal(t, Default().Ingest.Workers, cfg.Ingest.Workers)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CONTEXTMCP_DATA_DIR", "/tmp/ctx-test")
	t.Setenv("CONTEXTMCP_RRF_CONSTANT", "42")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ctx-test", cfg.Paths.DataDir)
	assert.Equal(t, filepath.Join("/tmp/ctx-test", "merkle"), cfg.Paths.SnapshotDir)
	assert.Equal(t, filepath.Join("/tmp/ctx-test", "claude-mcp.json"), cfg.Paths.DefaultsFile)
	assert.Equal(t, 42, cfg.Search.RRFConstant)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dimensions", func(c *Config) { c.Embeddings.Dimensions = 0 }},
		{"oversized batch", func(c *Config) { c.Embeddings.BatchSize = 500 }},
		{"threshold above one", func(c *Config) { c.Search.Threshold = 1.5 }},
		{"zero rrf", func(c *Config) { c.Search.RRFConstant = 0 }},
		{"overlap >= chunk size", func(c *Config) { c.Ingest.OverlapTokens = c.Ingest.MaxChunkTokens }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Search.TopK = 77
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 77, loaded.Search.TopK)
}
