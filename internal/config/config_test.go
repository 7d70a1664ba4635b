package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "docker", cfg.Backend)
	assert.Equal(t, "eemt:ubuntu24.04", cfg.Image)
	assert.Equal(t, int64(10), cfg.MaxConcurrentJobs)
	assert.True(t, cfg.Heuristics)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.SuccessRetention.Std())
	assert.Equal(t, 12*time.Hour, cfg.Retention.FailureRetention.Std())
	assert.Equal(t, 9123, cfg.Master.Port)
	assert.Equal(t, "EEMT", cfg.Master.Project)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
backend: sim
listen_addr: ":8090"
max_concurrent_jobs: 3
retention:
  success_retention: 48h
  failure_retention: 6h
master:
  port: 9999
  project: EEMT-TEST
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.Backend)
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, int64(3), cfg.MaxConcurrentJobs)
	assert.Equal(t, 48*time.Hour, cfg.Retention.SuccessRetention.Std())
	assert.Equal(t, 6*time.Hour, cfg.Retention.FailureRetention.Std())
	assert.Equal(t, 9999, cfg.Master.Port)
	assert.Equal(t, "EEMT-TEST", cfg.Master.Project)

	// Untouched fields keep their defaults.
	assert.Equal(t, "eemt:ubuntu24.04", cfg.Image)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: docker\n"), 0o644))

	t.Setenv("EEMT_BACKEND", "local")
	t.Setenv("EEMT_MAX_CONCURRENT_JOBS", "2")
	t.Setenv("EEMT_SUCCESS_RETENTION_DAYS", "3")
	t.Setenv("EEMT_FAILED_RETENTION_HOURS", "1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Backend)
	assert.Equal(t, int64(2), cfg.MaxConcurrentJobs)
	assert.Equal(t, 3*24*time.Hour, cfg.Retention.SuccessRetention.Std())
	assert.Equal(t, time.Hour, cfg.Retention.FailureRetention.Std())
}

func TestLoad_UnknownBackendRejected(t *testing.T) {
	t.Setenv("EEMT_BACKEND", "hyperdrive")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
