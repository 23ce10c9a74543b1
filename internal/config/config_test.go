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
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.QueueMaxAttempts)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.Equal(t, 6*time.Hour, cfg.RuleCacheTTL())
	assert.Equal(t, 20, cfg.CascadeWarnDepth)
	assert.Equal(t, "0 3 * * *", cfg.SweepCron)
	assert.True(t, cfg.WorkerEnabled)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RETENTION_DAYS", "7")
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("NOTIFY_RPS", "2.5")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	assert.False(t, cfg.WorkerEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.InDelta(t, 2.5, cfg.NotifyRPS, 0.0001)
}

func TestLoadDotEnvKeepsProcessEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SWEEP_CRON=\"0 4 * * *\"\nLOG_LEVEL=debug\n"), 0o600))

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SWEEP_CRON", "")
	require.NoError(t, os.Unsetenv("SWEEP_CRON"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	t.Cleanup(func() { _ = os.Unsetenv("SWEEP_CRON") })

	cfg := Load()
	assert.Equal(t, "0 4 * * *", cfg.SweepCron)
	assert.Equal(t, "warn", cfg.LogLevel)
}
