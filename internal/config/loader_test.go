package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithFile_Defaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8120, cfg.Server.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 30*time.Second, cfg.Monitor.GuardianInterval)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.ConductorInterval)
	assert.Equal(t, "dispatchd", cfg.Observability.ServiceName)
}

func TestLoadWithFile_YAML(t *testing.T) {
	content := []byte(`
server:
  http_port: 9000
  shutdown_timeout: 5s
logging:
  level: debug
  format: console
monitor:
  guardian_interval: 15s
  heartbeat_stale_after: 45s
store:
  path: /tmp/orc.db
`)
	path := filepath.Join(t.TempDir(), "dispatchd.yaml")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 15*time.Second, cfg.Monitor.GuardianInterval)
	assert.Equal(t, 45*time.Second, cfg.Monitor.HeartbeatStaleAfter)
	assert.Equal(t, "/tmp/orc.db", cfg.Store.Path)

	// Unset fields still receive defaults.
	assert.Equal(t, 5*time.Minute, cfg.Monitor.ConductorInterval)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	content := []byte("server:\n  http_port: 9000\n")
	path := filepath.Join(t.TempDir(), "dispatchd.yaml")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("DISPATCHD_SERVER_HTTP_PORT", "9001")
	t.Setenv("DISPATCHD_MONITOR_GUARDIAN_INTERVAL", "20s")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.HTTPPort)
	assert.Equal(t, 20*time.Second, cfg.Monitor.GuardianInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid server port"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "unknown log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "text" }, "unknown log format"},
		{"no store", func(c *Config) { c.Store.Path = "" }, "store path"},
		{"bad guardian interval", func(c *Config) { c.Monitor.GuardianInterval = -time.Second }, "guardian interval"},
		{"bad grace", func(c *Config) { c.Monitor.NudgeGrace = 0 }, "nudge grace"},
		{
			"telemetry without service name",
			func(c *Config) {
				c.Observability.EnableTelemetry = true
				c.Observability.ServiceName = ""
			},
			"service name required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
