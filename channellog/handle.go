package channellog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahimsalabs/channellog-go/channellog/transport"
)

// Handle is an open log. It owns one server session, which Close
// releases. A Handle is safe for concurrent use.
//
//	h, err := client.Open(ctx, name, channellog.ModeReadAppend)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
type Handle struct {
	client   *Client
	name     LogName
	mode     IOMode
	conn     transport.Conn
	metadata *Metadata
	timeout  time.Duration
	logger   *slog.Logger

	events   *eventQueue
	appender *asyncAppender

	// Events of cursors started WithCallback.
	callbacks    *eventQueue
	callbackOnce sync.Once

	// ctx bounds async appends. Close cancels streamCtx first, so that
	// cursors are shut down before the append in flight is cut off.
	ctx          context.Context
	cancel       context.CancelFunc
	streamCtx    context.Context
	streamCancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	cursors map[*Cursor]struct{}
	wg      sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newHandle(c *Client, name LogName, mode IOMode, conn transport.Conn) *Handle {
	h := &Handle{
		client:   c,
		name:     name,
		mode:     mode,
		conn:     conn,
		metadata: metadataFromWire(conn.Metadata()),
		timeout:  c.timeout,
		logger:   c.logger,
		events:    newEventQueue(),
		callbacks: newEventQueue(),
		cursors:   make(map[*Cursor]struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.streamCtx, h.streamCancel = context.WithCancel(h.ctx)
	h.appender = newAsyncAppender(h)
	return h
}

// Name returns the name the log was opened with.
func (h *Handle) Name() LogName { return h.name }

// Mode returns the I/O mode the log was opened with.
func (h *Handle) Mode() IOMode { return h.mode }

// IsOpen reports whether Close has not been called.
func (h *Handle) IsOpen() bool { return !h.closed.Load() }

// Metadata returns a copy of the metadata the log was created with.
func (h *Handle) Metadata() *Metadata { return h.metadata.Clone() }

func (h *Handle) String() string {
	return fmt.Sprintf("handle(%s, %s)", h.name, h.mode)
}

func (h *Handle) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

func (h *Handle) check(op string, allowed bool, denied Status) error {
	if h.closed.Load() {
		return newError(KindClosed, op, StatusNotOpen, nil)
	}
	if !allowed {
		return newError(KindPermission, op, denied, fmt.Errorf("handle is %s", h.mode))
	}
	return nil
}

// Read returns the record numbered recno. RecnoLast, and any negative
// recno, counts from the end of the log.
func (h *Handle) Read(ctx context.Context, recno int64) (Datum, error) {
	if err := h.check("read", h.mode.CanRead(), StatusBadIOMode); err != nil {
		return Datum{}, err
	}
	ctx, cancel := h.opContext(ctx)
	defer cancel()

	rec, err := h.conn.Read(ctx, transport.ReadRequest{Recno: recno})
	if err != nil {
		return Datum{}, convertTransportError("read", 0, err)
	}
	return datumFromRecord(rec), nil
}

// Append adds payload to the log and returns the record as committed,
// with its recno and timestamp.
func (h *Handle) Append(ctx context.Context, payload []byte) (Datum, error) {
	if err := h.check("append", h.mode.CanAppend(), StatusReadOnly); err != nil {
		return Datum{}, err
	}
	ctx, cancel := h.opContext(ctx)
	defer cancel()
	return h.appendConn(ctx, "append", payload)
}

func (h *Handle) appendConn(ctx context.Context, op string, payload []byte) (Datum, error) {
	rec, err := h.conn.Append(ctx, transport.AppendRequest{Payload: payload})
	if err != nil {
		return Datum{}, convertTransportError(op, 0, err)
	}
	return datumFromRecord(rec), nil
}

// AppendAsync queues payload and returns immediately. The outcome is
// delivered through Next as a DataEvent or ErrorEvent carrying completion.
// Completions arrive in submission order.
func (h *Handle) AppendAsync(payload []byte, completion any) error {
	if err := h.check("append async", h.mode.CanAppend(), StatusReadOnly); err != nil {
		return err
	}
	return h.appender.submit(clone(payload), completion)
}

// MultiRead replays up to limit records starting at first (0 for no
// limit). A first of zero starts at the beginning; negative values count
// from the end. The cursor ends with an EndOfStreamEvent. It fails with
// ErrRange when first is past the end of the log. WithCallback delivers
// the events to a function instead of Next.
func (h *Handle) MultiRead(ctx context.Context, first int64, limit int, opts ...CursorOption) (*Cursor, error) {
	return h.startCursor(ctx, "multiread", transport.StreamRequest{First: first, Limit: limit}, opts)
}

// Subscribe is like MultiRead but keeps delivering records as they are
// appended. It ends after limit records, or with an EndOfStreamEvent of
// StatusTimeout once idle passes without a new record; Within(0) ends it
// as soon as it has caught up. first may be one past the end of the log
// to receive only new records.
func (h *Handle) Subscribe(ctx context.Context, first int64, limit int, idle Wait, opts ...CursorOption) (*Cursor, error) {
	d, bounded := idle.Duration()
	return h.startCursor(ctx, "subscribe", transport.StreamRequest{
		First:     first,
		Limit:     limit,
		Follow:    true,
		Idle:      d,
		IdleLimit: bounded,
	}, opts)
}

func (h *Handle) startCursor(ctx context.Context, op string, req transport.StreamRequest, opts []CursorOption) (*Cursor, error) {
	if err := h.check(op, h.mode.CanRead(), StatusBadIOMode); err != nil {
		return nil, err
	}
	if req.Limit < 0 {
		return nil, newError(KindInvalid, op, StatusBadRequest, fmt.Errorf("negative limit %d", req.Limit))
	}

	var o cursorOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cursor{h: h, first: req.First, limit: req.Limit, follow: req.Follow, idle: req.Idle, idleLimit: req.IdleLimit, callback: o.callback}
	c.position.Store(req.First)
	c.ctx, c.cancel = context.WithCancel(h.streamCtx)

	stop := context.AfterFunc(ctx, c.cancel)
	stream, err := h.conn.Stream(c.ctx, req)
	if !stop() {
		if err == nil {
			stream.Close()
		}
		return nil, convertTransportError(op, 0, ctx.Err())
	}
	if err != nil {
		c.cancel()
		return nil, convertTransportError(op, 0, err)
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		c.cancel()
		stream.Close()
		return nil, newError(KindClosed, op, StatusNotOpen, nil)
	}
	h.cursors[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	if c.callback != nil {
		h.startCallbacks()
	}

	go c.pump(stream)
	return c, nil
}

// forgetCursor removes c from the live set and reports whether it was
// still there.
func (h *Handle) forgetCursor(c *Cursor) bool {
	h.mu.Lock()
	_, ok := h.cursors[c]
	delete(h.cursors, c)
	h.mu.Unlock()
	return ok
}

// Next returns the next event from any source on h: cursor data, cursor
// ends, async append completions and shutdown. With a bounded wait that
// expires it returns an ErrorEvent of StatusTimeout and a nil error.
// After Close, queued events are still returned; once they are drained
// Next fails with ErrClosed. If ctx ends first its error is returned.
func (h *Handle) Next(ctx context.Context, wait Wait) (Event, error) {
	ev, err := h.events.next(ctx, wait, nil, nil)
	if err != nil {
		return nil, h.pollError(err)
	}
	h.consumed(ev)
	return ev, nil
}

func (h *Handle) pollError(err error) error {
	if errors.Is(err, errQueueClosed) {
		return newError(KindClosed, "next", StatusNotOpen, nil)
	}
	return err
}

func (h *Handle) consumed(ev Event) {
	if d, ok := ev.(DataEvent); ok && d.cursor != nil {
		d.cursor.consume(d.Datum.Recno)
	}
}

// Close releases the session. Live cursors each get a ShutdownEvent,
// the async append in flight is abandoned, queued ones fail, and a final ShutdownEvent without a cursor
// wakes any other waiter. Close is safe to call more than once; later
// calls return nil.
func (h *Handle) Close() error {
	first := false
	h.closeOnce.Do(func() {
		first = true
		h.closeErr = h.close()
	})
	if !first {
		return nil
	}
	return h.closeErr
}

func (h *Handle) close() error {
	h.closed.Store(true)

	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.streamCancel()
	h.wg.Wait()

	h.mu.Lock()
	live := h.cursors
	h.cursors = nil
	h.mu.Unlock()
	for c := range live {
		c.deliver(ShutdownEvent{source: source{c}})
		c.done.Store(true)
	}
	h.callbacks.close()

	h.cancel()
	h.appender.close()
	h.events.push(ShutdownEvent{})
	h.events.close()

	ctx, cancel := context.WithTimeout(context.Background(), h.closeTimeout())
	defer cancel()
	err := h.conn.Close(ctx)
	h.client.forget(h)

	if err != nil {
		h.logger.Warn("closing session failed", "log", h.name.String(), "error", err)
		return convertTransportError("close", 0, err)
	}
	return nil
}

func (h *Handle) closeTimeout() time.Duration {
	if h.timeout > 0 {
		return h.timeout
	}
	return defaultTimeout
}
