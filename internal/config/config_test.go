package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 6, cfg.Index.MeshLevel)
	assert.Equal(t, 500_000, cfg.Ephem.SampleBudget)
	assert.Equal(t, 4, cfg.Ephem.RetryAttempts)
	assert.Equal(t, 6*time.Hour, cfg.Search.EnvelopeStep)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sbsearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9999"
index:
  mesh_level: 8
search:
  envelope_step: 2h
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 8, cfg.Index.MeshLevel)
	assert.Equal(t, 2*time.Hour, cfg.Search.EnvelopeStep)
	// Untouched keys keep defaults.
	assert.Equal(t, time.Hour, cfg.Search.VerifyStep)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SBSEARCH_HTTP_ADDR", ":7777")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.HTTP.Addr)
}

func TestValidation(t *testing.T) {
	t.Setenv("SBSEARCH_AUTH_ENABLED", "true")
	_, err := Load("")
	assert.Error(t, err, "enabled auth without a token must be rejected")
}
