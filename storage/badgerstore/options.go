package badgerstore

import (
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	DefaultMaxRecordSize   = 10 << 20
	DefaultGCInterval      = 5 * time.Minute
	DefaultGCDiscardRatio  = 0.5
	DefaultSyncInterval    = time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Options configures a Storage. Zero values select the defaults above.
type Options struct {
	// Dir holds the Badger files. Empty implies InMemory.
	Dir string

	// InMemory keeps all data in memory; nothing survives Close.
	InMemory bool

	// BadgerLogger receives Badger's own log output. Nil keeps Badger's
	// default, which writes to stderr.
	BadgerLogger badger.Logger

	// Logger receives storage events. Default: slog.Default().
	Logger *slog.Logger

	// MaxRecordSize is the largest payload Append accepts.
	MaxRecordSize int64

	// GCInterval is the period of value log garbage collection. Negative
	// disables the loop; RunGC can still be called directly.
	GCInterval time.Duration

	// GCDiscardRatio is the fraction of a value log file that must be
	// garbage before GC rewrites it.
	GCDiscardRatio float64

	// SyncInterval is the period at which buffered writes are flushed.
	// Negative disables the loop. Unused in memory.
	SyncInterval time.Duration

	// ShutdownTimeout bounds how long Close waits for background work
	// before closing the database anyway.
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = DefaultMaxRecordSize
	}
	if o.GCInterval == 0 {
		o.GCInterval = DefaultGCInterval
	}
	if o.GCDiscardRatio <= 0 || o.GCDiscardRatio >= 1 {
		o.GCDiscardRatio = DefaultGCDiscardRatio
	}
	if o.SyncInterval == 0 {
		o.SyncInterval = DefaultSyncInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
