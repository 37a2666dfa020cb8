package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
server_name: alpha
storage:
  backend: badger
  dir: /var/lib/logd
  gc_interval: 10m
sse_close_after: 15s
max_sessions: 32
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "alpha", cfg.ServerName)
	assert.Equal(t, backendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/logd", cfg.Storage.Dir)
	assert.Equal(t, 10*time.Minute, cfg.Storage.GCInterval)
	assert.Equal(t, 15*time.Second, cfg.SSECloseAfter)
	assert.Equal(t, 32, cfg.MaxSessions)
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, Default().MaxAppendSize, cfg.MaxAppendSize)
	assert.Equal(t, Default().ShutdownTimeout, cfg.ShutdownTimeout)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "listen: :80\nbogus: 1\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeConfig(t, "sse_close_after: soon\n"))
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LOGD_LISTEN", ":7000")
	t.Setenv("LOGD_STORAGE_BACKEND", "badger")
	t.Setenv("LOGD_STORAGE_DIR", "/tmp/logs")
	t.Setenv("LOGD_SSE_CLOSE_AFTER", "2m")
	t.Setenv("LOGD_MAX_APPEND_SIZE", "4096")
	t.Setenv("LOGD_MAX_SESSIONS", "8")
	t.Setenv("LOGD_LOG_LEVEL", "warn")

	cfg := Default()
	require.NoError(t, FromEnv(&cfg))

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, backendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/logs", cfg.Storage.Dir)
	assert.Equal(t, 2*time.Minute, cfg.SSECloseAfter)
	assert.EqualValues(t, 4096, cfg.MaxAppendSize)
	assert.Equal(t, 8, cfg.MaxSessions)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, Default().ServerName, cfg.ServerName)
}

func TestFromEnv_Malformed(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LOGD_SSE_CLOSE_AFTER", "forever"},
		{"LOGD_SHUTDOWN_TIMEOUT", "10"},
		{"LOGD_MAX_APPEND_SIZE", "big"},
		{"LOGD_MAX_SESSIONS", "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := Default()
			err := FromEnv(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "backend"},
		{"badger without dir", func(c *Config) {
			c.Storage.Backend = backendBadger
			c.Storage.Dir = ""
		}, "directory"},
		{"negative sessions", func(c *Config) { c.MaxSessions = -1 }, "negative"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)

	buf.Reset()
	logger = newLogger(LogConfig{Level: "debug", Format: "text"}, &buf)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
	logger.Debug("text line")
	assert.True(t, strings.HasPrefix(buf.String(), "time="))
}
