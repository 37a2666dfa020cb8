// Package transport defines how a channellog client reaches a log server.
//
// A Transport creates logs and opens connections. Each Conn is an
// exclusively owned session on one log; closing it releases the
// server-side session. Middleware (logging, retry, metrics) wraps a
// Transport and every Conn it returns.
package transport

import (
	"context"
	"time"

	"github.com/ahimsalabs/channellog-go/channellog/internal/protocol"
)

// Name is a 32-byte binary log name.
type Name = [protocol.NameSize]byte

// Record is the wire form of a log record.
type Record = protocol.Record

// MetadataEntry is one (tag, value) metadata pair.
type MetadataEntry = protocol.MetadataEntry

// Transport creates logs and opens connections to them.
type Transport interface {
	// Create creates a log on the server named by req.Server.
	Create(ctx context.Context, req CreateRequest) error

	// Open starts a new session on an existing log. Every call returns
	// an independent Conn.
	Open(ctx context.Context, req OpenRequest) (Conn, error)
}

// Conn is one session on one log.
type Conn interface {
	// Read returns a single record. Negative recnos count from the end.
	Read(ctx context.Context, req ReadRequest) (*Record, error)

	// Append adds a record and returns it as committed by the server.
	Append(ctx context.Context, req AppendRequest) (*Record, error)

	// Stream starts a replay or subscription. The caller must Close the
	// returned stream.
	Stream(ctx context.Context, req StreamRequest) (RecordStream, error)

	// Metadata returns the metadata the log was created with.
	Metadata() []MetadataEntry

	// Close ends the session. It is called exactly once by the owner.
	Close(ctx context.Context) error
}

// RecordStream delivers the results of a Stream request.
type RecordStream interface {
	// Next blocks until the next event. It returns io.EOF if the
	// connection ended without an end event.
	Next(ctx context.Context) (*StreamEvent, error)

	// Close releases the stream.
	Close() error
}

// StreamEventType distinguishes record deliveries from stream ends.
type StreamEventType int

const (
	StreamData StreamEventType = iota + 1
	StreamEnd
)

// StreamEvent is one event read from a RecordStream.
type StreamEvent struct {
	Type StreamEventType

	// Record is set for StreamData.
	Record *Record

	// Status is the packed log status for StreamEnd.
	Status uint32
}

// CreateRequest creates a log.
type CreateRequest struct {
	Name     Name
	Server   Name // zero means the server's own default
	Metadata []MetadataEntry
}

// OpenRequest opens a log.
type OpenRequest struct {
	Name Name
	Mode int // 1 read-only, 2 append-only, 3 read-append
}

// ReadRequest reads one record.
type ReadRequest struct {
	Recno int64
}

// AppendRequest appends one record.
type AppendRequest struct {
	Payload []byte
}

// StreamRequest starts a replay or subscription.
type StreamRequest struct {
	// First is the first recno to deliver. Zero means the first record;
	// negative values count from the end.
	First int64

	// Limit caps the number of records (0 = unbounded).
	Limit int

	// Follow keeps the stream open for records appended later.
	Follow bool

	// Idle ends a follow stream after this long without a new record.
	// It applies only when IdleLimit is set; a zero Idle then ends the
	// stream as soon as it has caught up.
	Idle      time.Duration
	IdleLimit bool
}

// Middleware wraps a Transport with additional behavior.
type Middleware func(Transport) Transport
