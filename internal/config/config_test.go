package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.Equal(t, "memory", cfg.Queue.Provider)
	require.Equal(t, "noop", cfg.Storage.Provider)
	require.Equal(t, 10, cfg.Consumer.BatchSize)
	require.Equal(t, 3, cfg.Consumer.MaxAttempts)
	require.Equal(t, float64(1), cfg.Limiter.DefaultRPS)
	require.Equal(t, 45*time.Second, cfg.ScrapeTimeout())
	require.Equal(t, 5*time.Minute, cfg.BatchTimeout())
	require.Equal(t, 24*time.Hour, cfg.FreshnessWindow())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
db:
  provider: postgres
  dsn: postgres://pipeline@localhost/pipeline
consumer:
  max_attempts: 5
  backoff_base_seconds: 30
limiter:
  default_rps: 0.5
collaborator:
  base_url: http://collaborator:8443
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.DB.Provider)
	require.Equal(t, 5, cfg.Consumer.MaxAttempts)
	require.Equal(t, 30, cfg.Consumer.BackoffBaseSeconds)
	require.Equal(t, 0.5, cfg.Limiter.DefaultRPS)
	require.Equal(t, "http://collaborator:8443", cfg.Collaborator.BaseURL)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_Rules(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.DB.Provider = "postgres"
	require.ErrorContains(t, cfg.Validate(), "db.dsn")

	cfg = base()
	cfg.Queue.Provider = "pubsub"
	require.ErrorContains(t, cfg.Validate(), "queue.project_id")

	cfg = base()
	cfg.Storage.Provider = "gcs"
	require.ErrorContains(t, cfg.Validate(), "storage.bucket")

	cfg = base()
	cfg.Auth.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "auth.api_key")

	cfg = base()
	cfg.Consumer.BackoffCapSeconds = 1
	require.ErrorContains(t, cfg.Validate(), "backoff")

	cfg = base()
	cfg.Limiter.DefaultRPS = 0
	require.ErrorContains(t, cfg.Validate(), "default_rps")
}
