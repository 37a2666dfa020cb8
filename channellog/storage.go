package channellog

import (
	"context"
	"time"
)

// LogInfo describes a stored log.
type LogInfo struct {
	Name     LogName
	Metadata *Metadata
	Created  time.Time

	// Length is the number of records, which is also the recno of the
	// last one.
	Length int64
}

// Storage defines the interface for log persistence.
// Implementations must be goroutine-safe.
//
// Missing logs and records are reported with errors matching ErrNotFound,
// and duplicate logs with errors matching ErrExists.
type Storage interface {
	// Create creates an empty log. It fails with ErrExists if the name is
	// taken; metadata is never replaced.
	Create(ctx context.Context, name LogName, md *Metadata) error

	// Append adds a record, assigning the next recno and a timestamp.
	Append(ctx context.Context, name LogName, payload []byte) (Datum, error)

	// Read returns the record numbered recno, which is at least 1.
	Read(ctx context.Context, name LogName, recno int64) (Datum, error)

	// ReadRange returns up to limit consecutive records starting at first,
	// which is at least 1. A first past the end yields no records.
	ReadRange(ctx context.Context, name LogName, first int64, limit int) ([]Datum, error)

	// Info returns the metadata and length of a log.
	Info(ctx context.Context, name LogName) (*LogInfo, error)

	// Subscribe returns a channel notified when the log grows beyond
	// after records. The channel receives the new length. Closing the
	// context cancels the subscription.
	Subscribe(ctx context.Context, name LogName, after int64) (<-chan int64, error)
}
