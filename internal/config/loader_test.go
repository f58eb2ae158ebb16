package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	// Point at a nonexistent file in a temp dir: defaults apply.
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.Backend.URL)
	assert.Equal(t, 30*time.Second, cfg.Backend.RequestTimeout.Duration())
	assert.Equal(t, "taskmode.cmd", cfg.Backend.CommandPrefix)
	assert.Equal(t, "task-mode-progress", cfg.Backend.ProgressSubject)
	assert.Equal(t, 3*time.Second, cfg.Workflow.PollInterval.Duration())
	assert.False(t, cfg.Workflow.InterviewEnabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromYAML(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: nats://backend:4222
  request_timeout: 5s
workflow:
  interview_enabled: true
  poll_interval: 500ms
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://backend:4222", cfg.Backend.URL)
	assert.Equal(t, 5*time.Second, cfg.Backend.RequestTimeout.Duration())
	assert.True(t, cfg.Workflow.InterviewEnabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Workflow.PollInterval.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset fields still get defaults.
	assert.Equal(t, "taskmode.cmd", cfg.Backend.CommandPrefix)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "backend:\n  url: nats://from-file:4222\n")
	t.Setenv("BACKEND_URL", "nats://from-env:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://from-env:4222", cfg.Backend.URL)
}

func TestLoad_RejectsWorldReadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  url: nats://x:4222\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsNegativeDuration(t *testing.T) {
	path := writeConfig(t, "backend:\n  request_timeout: -5s\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("defaults pass", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("empty url", func(t *testing.T) {
		cfg := base()
		cfg.Backend.URL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero poll interval", func(t *testing.T) {
		cfg := base()
		cfg.Workflow.PollInterval = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad logging level", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Level = "shout"
		assert.Error(t, cfg.Validate())
	})
}
