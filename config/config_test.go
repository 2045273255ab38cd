package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inferq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 32, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentBatches)
	assert.Equal(t, 100, cfg.Scheduler.MaxBulkSubmission)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Retention)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  max_batch_size: 8
  tick_interval: 50ms
storage:
  driver: memory
backends:
  batched:
    enabled: true
    base_url: http://vllm:8000
    fallback: degraded
`)
	t.Setenv("INFERQ_SCHEDULER_MAX_CONCURRENT_BATCHES", "2")
	t.Setenv("INFERQ_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentBatches)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Backends.Batched.Enabled)
	assert.Equal(t, "http://vllm:8000", cfg.Backends.Batched.BaseURL)
	assert.Equal(t, "degraded", cfg.Backends.Batched.Fallback)
	// untouched keys keep their defaults
	assert.Equal(t, 1024, cfg.Scheduler.DrainLimit)
	assert.True(t, cfg.Backends.Local.Enabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero batch size": "scheduler:\n  max_batch_size: 0\n",
		"unknown driver":  "storage:\n  driver: mongo\n",
		"bad fallback":    "backends:\n  local:\n    fallback: retry\n",
		"no backends":     "backends:\n  local:\n    enabled: false\n",
		"default disabled": `
scheduler:
  default_backend: cluster
`,
		"postgres without dsn": "storage:\n  driver: postgres\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler: [oops"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestByVariant(t *testing.T) {
	cfg := Default()
	b, ok := cfg.Backends.ByVariant("cluster")
	require.True(t, ok)
	assert.Equal(t, "degraded", b.Fallback)
	_, ok = cfg.Backends.ByVariant("gpu")
	assert.False(t, ok)
}
