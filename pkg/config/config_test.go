package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5000, cfg.ChunkSize)
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, cfg.RetryBackoffs)
	assert.Equal(t, 6, cfg.WorkerConcurrency)
	assert.Equal(t, 200, cfg.PoolMaxTotal)
	assert.Equal(t, 100, cfg.PoolMaxPerHost)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"chunkSize: 100\nworkerConcurrency: 4\nlistenAddr: \":9999\"\n",
	), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.ChunkSize)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"too many workers", func(c *Config) { c.WorkerConcurrency = 11 }},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"backoffs shorter than retries", func(c *Config) { c.RetryBackoffs = c.RetryBackoffs[:1] }},
		{"per-host above total", func(c *Config) { c.PoolMaxPerHost = c.PoolMaxTotal + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
