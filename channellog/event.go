package channellog

import (
	"fmt"
	"time"
)

// EventKind identifies the variant of an Event.
type EventKind int

const (
	EventData EventKind = iota + 1
	EventEndOfStream
	EventShutdown
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventEndOfStream:
		return "end-of-stream"
	case EventShutdown:
		return "shutdown"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one outcome returned by Next. The concrete type is one of
// DataEvent, EndOfStreamEvent, ShutdownEvent or ErrorEvent:
//
//	switch ev := ev.(type) {
//	case channellog.DataEvent:
//		use(ev.Datum)
//	case channellog.EndOfStreamEvent:
//		// replay finished
//	case channellog.ShutdownEvent:
//		// handle closed
//	case channellog.ErrorEvent:
//		if ev.Timeout() { ... }
//	}
type Event interface {
	Kind() EventKind

	// Cursor returns the cursor that produced the event, or nil for
	// asynchronous append completions, poll timeouts and the handle's own
	// shutdown event.
	Cursor() *Cursor

	event()
}

type source struct {
	cursor *Cursor
}

func (s source) Cursor() *Cursor { return s.cursor }
func (source) event()            {}

// DataEvent delivers a record, either from a cursor or as the completion
// of AppendAsync.
type DataEvent struct {
	source
	Datum Datum

	// Completion is the value passed to AppendAsync; nil for cursor data.
	Completion any
}

func (DataEvent) Kind() EventKind { return EventData }

// EndOfStreamEvent ends a cursor. Status is StatusOK when a replay was
// exhausted or a limit reached, and StatusTimeout when a subscription saw
// no new record within its idle period.
type EndOfStreamEvent struct {
	source
	Status Status
}

func (EndOfStreamEvent) Kind() EventKind { return EventEndOfStream }

// ShutdownEvent reports that the handle was closed.
type ShutdownEvent struct {
	source
}

func (ShutdownEvent) Kind() EventKind { return EventShutdown }

// ErrorEvent reports a failure, or a poll timeout when Status is
// StatusTimeout and Err is nil.
type ErrorEvent struct {
	source
	Status Status
	Err    error

	// Completion is the value passed to AppendAsync when that append failed.
	Completion any
}

func (ErrorEvent) Kind() EventKind { return EventError }

// Timeout reports whether e is a poll timeout.
func (e ErrorEvent) Timeout() bool { return e.Status == StatusTimeout && e.Err == nil }

// Wait bounds how long Next blocks. The zero value is Forever.
type Wait struct {
	d       time.Duration
	bounded bool
}

// Forever makes Next block until an event arrives or the handle closes.
var Forever = Wait{}

// Within makes Next give up after d. Within(0) polls without blocking.
func Within(d time.Duration) Wait {
	if d < 0 {
		d = 0
	}
	return Wait{d: d, bounded: true}
}

// Duration returns the bound, and false for Forever.
func (w Wait) Duration() (time.Duration, bool) { return w.d, w.bounded }

func (w Wait) String() string {
	if !w.bounded {
		return "forever"
	}
	return w.d.String()
}
