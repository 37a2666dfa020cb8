package channellog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ahimsalabs/channellog-go/channellog/transport"
)

// Cursor is one MultiRead or Subscribe on a handle. Its events are
// delivered through Cursor.Next or Handle.Next.
type Cursor struct {
	h      *Handle
	first  int64
	limit  int
	follow bool

	idle      time.Duration
	idleLimit bool

	// Set by WithCallback.
	callback func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the pump goroutine.
	delivered int
	last      int64

	position atomic.Int64
	done     atomic.Bool
}

// First returns the recno the cursor was started at, as requested.
func (c *Cursor) First() int64 { return c.first }

// Limit returns the maximum number of records, or 0 for no limit.
func (c *Cursor) Limit() int { return c.limit }

// Follow reports whether c is a subscription.
func (c *Cursor) Follow() bool { return c.follow }

// Position returns the recno after the last data event consumed through
// Next. Before any data is consumed it is First.
func (c *Cursor) Position() int64 { return c.position.Load() }

// Done reports whether c has produced its final event.
func (c *Cursor) Done() bool { return c.done.Load() }

func (c *Cursor) String() string {
	kind := "multiread"
	if c.follow {
		kind = "subscribe"
	}
	return fmt.Sprintf("%s(%s, first=%d, limit=%d)", kind, c.h.name, c.first, c.limit)
}

// Next returns the next event produced by c. It behaves like Handle.Next
// but ignores events from other sources. Once c has finished and its
// events are drained, Next fails with ErrClosed.
func (c *Cursor) Next(ctx context.Context, wait Wait) (Event, error) {
	ev, err := c.h.events.next(ctx, wait, func(ev Event) bool { return ev.Cursor() == c }, c.done.Load)
	if err != nil {
		return nil, c.h.pollError(err)
	}
	c.h.consumed(ev)
	return ev, nil
}

// Close stops c early. Events already queued stay deliverable; no end
// event is produced.
func (c *Cursor) Close() {
	c.cancel()
	c.h.forgetCursor(c)
	c.done.Store(true)
	c.h.events.wake()
}

// consume records that a data event from c was handed to the caller.
func (c *Cursor) consume(recno int64) {
	for {
		cur := c.position.Load()
		if recno+1 <= cur || c.position.CompareAndSwap(cur, recno+1) {
			return
		}
	}
}

// finish queues the final event of c, unless the handle got there first.
// done is set only after the event is queued, so Cursor.Next cannot see
// c finished without also seeing the event.
func (c *Cursor) finish(ev Event) {
	if c.h.forgetCursor(c) {
		c.deliver(ev)
		c.done.Store(true)
		c.h.events.wake()
	}
}

// deliver queues ev for Next, or for the callback goroutine.
func (c *Cursor) deliver(ev Event) {
	if c.callback != nil {
		c.h.callbacks.push(ev)
		return
	}
	c.h.events.push(ev)
}

// resume builds the request that continues c after a dropped connection.
func (c *Cursor) resume() transport.StreamRequest {
	req := transport.StreamRequest{
		First:     c.first,
		Limit:     c.limit,
		Follow:    c.follow,
		Idle:      c.idle,
		IdleLimit: c.idleLimit,
	}
	if c.delivered > 0 {
		req.First = c.last + 1
		if c.limit > 0 {
			req.Limit = c.limit - c.delivered
		}
	}
	return req
}

// pump moves stream events into the handle's queue until the stream ends,
// fails or c is cancelled.
func (c *Cursor) pump(stream transport.RecordStream) {
	defer c.h.wg.Done()
	defer func() { stream.Close() }()

	for {
		ev, err := stream.Next(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				if !c.follow {
					c.fail(newError(KindIO, c.op(), StatusProtocolFail, errors.New("stream ended without end event")))
					return
				}
				c.h.logger.DebugContext(c.ctx, "subscription dropped, reconnecting",
					"log", c.h.name.String(), "next", c.resume().First)
				stream.Close()
				var next transport.RecordStream
				next, err = c.h.conn.Stream(c.ctx, c.resume())
				if err == nil {
					stream = next
					continue
				}
				if c.ctx.Err() != nil {
					return
				}
			}
			c.fail(convertTransportError(c.op(), 0, err))
			return
		}

		switch ev.Type {
		case transport.StreamData:
			if ev.Record == nil {
				continue
			}
			c.delivered++
			c.last = ev.Record.Recno
			c.deliver(DataEvent{source: source{c}, Datum: datumFromRecord(ev.Record)})
			if c.limit > 0 && c.delivered >= c.limit {
				c.finish(EndOfStreamEvent{source: source{c}, Status: StatusOK})
				return
			}
		case transport.StreamEnd:
			c.finish(EndOfStreamEvent{source: source{c}, Status: StatusFromUint32(ev.Status)})
			return
		}
	}
}

func (c *Cursor) fail(err error) {
	c.h.logger.Warn("cursor failed", "cursor", c.String(), "error", err)
	c.finish(ErrorEvent{source: source{c}, Status: StatusOf(err), Err: err})
}

func (c *Cursor) op() string {
	if c.follow {
		return "subscribe"
	}
	return "multiread"
}
