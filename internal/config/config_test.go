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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, 2.0, cfg.Queue.Multiplier)
	assert.Equal(t, 800, cfg.Transform.MaxWidth)
	assert.Equal(t, 80, cfg.Transform.Quality)
	assert.Equal(t, 10*time.Second, cfg.Transform.FetchTimeout)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxFileSize)
	assert.Equal(t, "fail_batch", cfg.Pipeline.FailurePolicy)
	assert.Greater(t, cfg.Worker.Size, 0)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8088
database:
  driver: postgres
  host: db.internal
  user: app
  dbname: images
queue:
  max_attempts: 5
  base_delay: 250ms
worker:
  size: 3
  job_timeout: 20s
pipeline:
  failure_policy: partial
`)
	t.Setenv("WORKER_CONCURRENCY", "7")
	t.Setenv("DATABASE_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BaseDelay)
	assert.Equal(t, 7, cfg.Worker.Size)
	assert.Equal(t, 20*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, "partial", cfg.Pipeline.FailurePolicy)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t,
		"host=db.internal port=5432 user=app password=s3cret dbname=images sslmode=disable",
		cfg.Database.DSN())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero workers", "worker:\n  size: 0\n"},
		{"shrinking backoff", "queue:\n  multiplier: 0.5\n"},
		{"no attempts", "queue:\n  max_attempts: 0\n"},
		{"lease shorter than job", "queue:\n  visibility_timeout: 10s\nworker:\n  job_timeout: 30s\n"},
		{"lease ends during webhook", "queue:\n  visibility_timeout: 50s\nworker:\n  job_timeout: 45s\nnotifier:\n  timeout: 5s\n"},
		{"unknown policy", "pipeline:\n  failure_policy: ignore\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_LeaseCoversJobAndWebhook(t *testing.T) {
	cfg, err := Load(writeConfig(t, "queue:\n  visibility_timeout: 51s\nworker:\n  job_timeout: 45s\nnotifier:\n  timeout: 5s\n"))
	require.NoError(t, err)
	assert.Equal(t, 51*time.Second, cfg.Queue.VisibilityTimeout)
}

func TestDatabaseConfig_SQLiteDSN(t *testing.T) {
	c := DatabaseConfig{Driver: "sqlite", Path: "/tmp/x.db"}
	assert.Equal(t, "/tmp/x.db?_busy_timeout=5000", c.DSN())
}
