package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the logd configuration, loaded from a YAML file and
// overlaid with LOGD_* environment variables.
type Config struct {
	// Listen is the address the log protocol is served on.
	Listen string `yaml:"listen"`

	// MetricsListen, if set, serves /metrics on a separate address.
	// Otherwise /metrics is served next to the log protocol.
	MetricsListen string `yaml:"metrics_listen"`

	// ServerName is the printable name or alias of this server.
	ServerName string `yaml:"server_name"`

	Storage StorageConfig `yaml:"storage"`

	SSECloseAfter   time.Duration `yaml:"sse_close_after"`
	MaxAppendSize   int64         `yaml:"max_append_size"`
	MaxSessions     int           `yaml:"max_sessions"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log LogConfig `yaml:"log"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is "memory" or "badger".
	Backend string `yaml:"backend"`

	// Dir is the badger data directory.
	Dir string `yaml:"dir"`

	GCInterval   time.Duration `yaml:"gc_interval"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

const (
	backendMemory = "memory"
	backendBadger = "badger"
)

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Listen:          ":8080",
		ServerName:      "logd",
		Storage:         StorageConfig{Backend: backendMemory, Dir: "data"},
		SSECloseAfter:   60 * time.Second,
		MaxAppendSize:   10 << 20,
		ShutdownTimeout: 10 * time.Second,
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file. If path is empty, returns
// defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays LOGD_* environment variables onto cfg. Malformed
// numbers and durations are reported rather than ignored.
func FromEnv(cfg *Config) error {
	str := map[string]*string{
		"LOGD_LISTEN":          &cfg.Listen,
		"LOGD_METRICS_LISTEN":  &cfg.MetricsListen,
		"LOGD_SERVER_NAME":     &cfg.ServerName,
		"LOGD_STORAGE_BACKEND": &cfg.Storage.Backend,
		"LOGD_STORAGE_DIR":     &cfg.Storage.Dir,
		"LOGD_LOG_LEVEL":       &cfg.Log.Level,
		"LOGD_LOG_FORMAT":      &cfg.Log.Format,
	}
	for k, p := range str {
		if v := os.Getenv(k); v != "" {
			*p = v
		}
	}

	dur := map[string]*time.Duration{
		"LOGD_SSE_CLOSE_AFTER":       &cfg.SSECloseAfter,
		"LOGD_SHUTDOWN_TIMEOUT":      &cfg.ShutdownTimeout,
		"LOGD_STORAGE_GC_INTERVAL":   &cfg.Storage.GCInterval,
		"LOGD_STORAGE_SYNC_INTERVAL": &cfg.Storage.SyncInterval,
	}
	for k, p := range dur {
		if v := os.Getenv(k); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*p = d
		}
	}

	if v := os.Getenv("LOGD_MAX_APPEND_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LOGD_MAX_APPEND_SIZE: %w", err)
		}
		cfg.MaxAppendSize = n
	}
	if v := os.Getenv("LOGD_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOGD_MAX_SESSIONS: %w", err)
		}
		cfg.MaxSessions = n
	}
	return nil
}

// Validate checks cfg for values the server cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	switch c.Storage.Backend {
	case backendMemory:
	case backendBadger:
		if c.Storage.Dir == "" {
			return errors.New("badger storage needs a data directory")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.MaxAppendSize < 0 || c.MaxSessions < 0 {
		return errors.New("limits must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// newLogger builds the process logger described by c.
func newLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
