package channellog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahimsalabs/channellog-go/channellog/internal/protocol"
	cltest "github.com/ahimsalabs/channellog-go/channellog/testing"
	"github.com/ahimsalabs/channellog-go/channellog/transport"
)

func TestConvertTransportError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		kind       Kind
		wantKind   Kind
		wantStatus Status
		wantIs     error
	}{
		{
			name:       "not found",
			err:        &transport.Error{Code: protocol.CodeNotFound, Message: "no such log"},
			wantKind:   KindNotFound,
			wantStatus: StatusNotFound,
			wantIs:     ErrNotFound,
		},
		{
			name:       "not found during open",
			err:        &transport.Error{Code: protocol.CodeNotFound},
			kind:       KindOpen,
			wantKind:   KindOpen,
			wantStatus: StatusNotFound,
			wantIs:     ErrNotFound,
		},
		{
			name:       "exists",
			err:        &transport.Error{Code: protocol.CodeExists},
			kind:       KindCreate,
			wantKind:   KindCreate,
			wantStatus: StatusExists,
			wantIs:     ErrExists,
		},
		{
			name:       "range",
			err:        &transport.Error{Code: protocol.CodeRange},
			wantKind:   KindRange,
			wantStatus: StatusRange,
			wantIs:     ErrRange,
		},
		{
			name:       "forbidden keeps body status",
			err:        &transport.Error{Code: protocol.CodeForbidden, Status: StatusReadOnly.Uint32()},
			wantKind:   KindPermission,
			wantStatus: StatusReadOnly,
			wantIs:     ErrPermission,
		},
		{
			name:       "too large",
			err:        &transport.Error{Code: protocol.CodeTooLarge},
			wantKind:   KindInvalid,
			wantStatus: StatusBadRequest,
			wantIs:     ErrInvalid,
		},
		{
			name:       "no session",
			err:        &transport.Error{Code: protocol.CodeNoSession},
			wantKind:   KindIO,
			wantStatus: StatusNotOpen,
			wantIs:     ErrIO,
		},
		{
			name:       "unavailable",
			err:        &transport.Error{Code: protocol.CodeUnavailable},
			wantKind:   KindIO,
			wantStatus: StatusDeadDaemon,
			wantIs:     ErrIO,
		},
		{
			name:       "unknown code",
			err:        &transport.Error{Code: "teapot"},
			wantKind:   KindIO,
			wantStatus: StatusInternal,
			wantIs:     ErrIO,
		},
		{
			name:       "context deadline",
			err:        fmt.Errorf("execute request: %w", context.DeadlineExceeded),
			wantKind:   KindIO,
			wantStatus: StatusTimeout,
			wantIs:     context.DeadlineExceeded,
		},
		{
			name:       "connection failure",
			err:        errors.New("connection refused"),
			wantKind:   KindIO,
			wantStatus: StatusDeadDaemon,
			wantIs:     ErrIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := convertTransportError("op", tt.kind, tt.err)

			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantKind, ce.Kind)
			assert.Equal(t, tt.wantStatus, ce.Status)
			assert.Equal(t, "op", ce.Op)
			assert.ErrorIs(t, err, tt.wantIs)
		})
	}

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, convertTransportError("op", 0, nil))
	})

	t.Run("already converted", func(t *testing.T) {
		orig := newError(KindClosed, "read", StatusNotOpen, nil)
		assert.Same(t, orig, convertTransportError("other", KindIO, orig))
	})
}

func TestNewClientWithTransport_Defaults(t *testing.T) {
	c := NewClientWithTransport(&cltest.TransportStub{}, nil)
	assert.Equal(t, defaultTimeout, c.timeout)
	assert.NotNil(t, c.logger)
	assert.False(t, c.server.IsValid())

	c = NewClientWithTransport(&cltest.TransportStub{}, &TransportClientConfig{
		Timeout: time.Second,
		Server:  "edu.berkeley.eecs.swarmlab.device",
	})
	assert.Equal(t, time.Second, c.timeout)
	assert.True(t, c.server.Equal(NameFromAlias("edu.berkeley.eecs.swarmlab.device")))
}

// stubHandle opens a handle on conn through a stub transport.
func stubHandle(t *testing.T, mode IOMode, conn *cltest.ConnStub) (*Client, *Handle) {
	t.Helper()
	stub := &cltest.TransportStub{
		OpenFunc: func(ctx context.Context, req transport.OpenRequest) (transport.Conn, error) {
			return conn, nil
		},
	}
	c := NewClientWithTransport(stub, &TransportClientConfig{Timeout: 5 * time.Second})
	h, err := c.Open(context.Background(), NameFromAlias("test"), mode)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, h
}

func nextEvent(t *testing.T, next func(context.Context, Wait) (Event, error)) Event {
	t.Helper()
	ev, err := next(context.Background(), Within(2*time.Second))
	require.NoError(t, err)
	if e, ok := ev.(ErrorEvent); ok && e.Timeout() {
		t.Fatal("timed out waiting for event")
	}
	return ev
}

func TestHandle_ModeChecks(t *testing.T) {
	conn := &cltest.ConnStub{}

	_, ro := stubHandle(t, ModeReadOnly, conn)
	_, err := ro.Append(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, StatusReadOnly, StatusOf(err))
	assert.ErrorIs(t, ro.AppendAsync([]byte("x"), nil), ErrPermission)

	_, ao := stubHandle(t, ModeAppendOnly, conn)
	_, err = ao.Read(context.Background(), 1)
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, StatusBadIOMode, StatusOf(err))
	_, err = ao.MultiRead(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrPermission)
	_, err = ao.Subscribe(context.Background(), 1, 0, Forever)
	assert.ErrorIs(t, err, ErrPermission)
}

func TestHandle_Metadata(t *testing.T) {
	conn := &cltest.ConnStub{Entries: []transport.MetadataEntry{{Tag: uint32(TagXID), Value: []byte("test")}}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	md := h.Metadata()
	xid, err := md.Find(TagXID)
	require.NoError(t, err)
	assert.Equal(t, "test", string(xid))

	_ = md.AddString(TagCID, "mine")
	assert.False(t, h.Metadata().Has(TagCID), "handle metadata is immutable")
}

func TestHandle_CloseOnce(t *testing.T) {
	conn := &cltest.ConnStub{}
	c, h := stubHandle(t, ModeReadAppend, conn)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, conn.Closes(), "session released exactly once")
	assert.False(t, h.IsOpen())

	_, err := h.Read(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.Append(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.MultiRead(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_CloseClosesHandles(t *testing.T) {
	conn := &cltest.ConnStub{}
	c, h := stubHandle(t, ModeReadOnly, conn)

	require.NoError(t, c.Close())
	assert.False(t, h.IsOpen())
	assert.Equal(t, 1, conn.Closes())

	_, err := c.Open(context.Background(), NameFromAlias("test"), ModeReadOnly)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Create(context.Background(), NameFromAlias("test"), LogName{}, nil), ErrClosed)
}

func TestHandle_CloseReportsSessionError(t *testing.T) {
	conn := &cltest.ConnStub{CloseFunc: func(ctx context.Context) error {
		return &transport.Error{Code: protocol.CodeUnavailable, Message: "gone"}
	}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	err := h.Close()
	assert.ErrorIs(t, err, ErrIO)
	assert.NoError(t, h.Close(), "repeat close returns nil")
}

func TestCursor_ReconnectsFollowStream(t *testing.T) {
	first := &cltest.RecordStreamStub{Events: []transport.StreamEvent{
		cltest.DataEvent(1, "a"),
		cltest.DataEvent(2, "b"),
	}}
	second := &cltest.RecordStreamStub{Events: []transport.StreamEvent{
		cltest.DataEvent(3, "c"),
		cltest.EndEvent(StatusTimeout.Uint32()),
	}}

	var (
		mu   sync.Mutex
		reqs []transport.StreamRequest
	)
	conn := &cltest.ConnStub{StreamFunc: func(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
		mu.Lock()
		defer mu.Unlock()
		reqs = append(reqs, req)
		if len(reqs) == 1 {
			return first, nil
		}
		return second, nil
	}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	cur, err := h.Subscribe(context.Background(), 1, 5, Within(time.Second))
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c"} {
		ev := nextEvent(t, cur.Next)
		require.Equal(t, EventData, ev.Kind())
		assert.Equal(t, want, ev.(DataEvent).Datum.Text())
	}
	ev := nextEvent(t, cur.Next)
	require.Equal(t, EventEndOfStream, ev.Kind())
	assert.Equal(t, StatusTimeout, ev.(EndOfStreamEvent).Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reqs, 2)
	assert.Equal(t, transport.StreamRequest{First: 1, Limit: 5, Follow: true, Idle: time.Second, IdleLimit: true}, reqs[0])
	assert.Equal(t, transport.StreamRequest{First: 3, Limit: 3, Follow: true, Idle: time.Second, IdleLimit: true}, reqs[1])
	assert.True(t, first.Closed())
}

func TestCursor_ReplayWithoutEndFails(t *testing.T) {
	conn := &cltest.ConnStub{StreamFunc: func(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
		return &cltest.RecordStreamStub{Events: []transport.StreamEvent{cltest.DataEvent(1, "a")}}, nil
	}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	cur, err := h.MultiRead(context.Background(), 1, 0)
	require.NoError(t, err)

	assert.Equal(t, EventData, nextEvent(t, cur.Next).Kind())
	ev := nextEvent(t, cur.Next)
	require.Equal(t, EventError, ev.Kind())
	assert.Equal(t, StatusProtocolFail, ev.(ErrorEvent).Status)
	assert.ErrorIs(t, ev.(ErrorEvent).Err, ErrIO)
}

func TestCursor_LimitEndsClientSide(t *testing.T) {
	stream := &cltest.RecordStreamStub{
		Events: []transport.StreamEvent{cltest.DataEvent(4, "d"), cltest.DataEvent(5, "e"), cltest.DataEvent(6, "f")},
		Block:  true,
	}
	conn := &cltest.ConnStub{StreamFunc: func(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
		return stream, nil
	}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	cur, err := h.Subscribe(context.Background(), 4, 2, Forever)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cur.Position())

	assert.Equal(t, int64(4), nextEvent(t, cur.Next).(DataEvent).Datum.Recno)
	assert.Equal(t, int64(5), cur.Position())
	assert.Equal(t, int64(5), nextEvent(t, cur.Next).(DataEvent).Datum.Recno)
	assert.Equal(t, int64(6), cur.Position())

	ev := nextEvent(t, cur.Next)
	require.Equal(t, EventEndOfStream, ev.Kind())
	assert.Equal(t, StatusOK, ev.(EndOfStreamEvent).Status)
	assert.Eventually(t, cur.Done, time.Second, 5*time.Millisecond)

	_, err = cur.Next(context.Background(), Forever)
	assert.ErrorIs(t, err, ErrClosed, "finished cursor reports closed once drained")
	assert.Eventually(t, stream.Closed, time.Second, 5*time.Millisecond)
}

func TestCursor_NextFiltersBySource(t *testing.T) {
	conn := &cltest.ConnStub{StreamFunc: func(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
		return &cltest.RecordStreamStub{Events: []transport.StreamEvent{
			cltest.DataEvent(req.First, fmt.Sprint(req.First)),
			cltest.EndEvent(0),
		}}, nil
	}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	a, err := h.MultiRead(context.Background(), 1, 0)
	require.NoError(t, err)
	b, err := h.MultiRead(context.Background(), 7, 0)
	require.NoError(t, err)

	ev := nextEvent(t, b.Next)
	assert.Same(t, b, ev.Cursor())
	assert.Equal(t, int64(7), ev.(DataEvent).Datum.Recno)

	ev = nextEvent(t, a.Next)
	assert.Same(t, a, ev.Cursor())
	assert.Equal(t, int64(1), ev.(DataEvent).Datum.Recno)
}

func TestCursor_CloseStopsDelivery(t *testing.T) {
	stream := &cltest.RecordStreamStub{Block: true}
	conn := &cltest.ConnStub{StreamFunc: func(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
		return stream, nil
	}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	cur, err := h.Subscribe(context.Background(), 1, 0, Forever)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := cur.Next(context.Background(), Forever)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cur.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Cursor.Close did not release waiter")
	}
	assert.Eventually(t, stream.Closed, time.Second, 5*time.Millisecond)
}

func TestHandle_CloseUnblocksWaiters(t *testing.T) {
	conn := &cltest.ConnStub{StreamFunc: func(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
		return &cltest.RecordStreamStub{Block: true}, nil
	}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	cur, err := h.Subscribe(context.Background(), 1, 0, Forever)
	require.NoError(t, err)

	type result struct {
		ev  Event
		err error
	}
	handleRes := make(chan result, 1)
	cursorRes := make(chan result, 1)
	go func() {
		ev, err := h.Next(context.Background(), Forever)
		handleRes <- result{ev, err}
	}()
	go func() {
		ev, err := cur.Next(context.Background(), Forever)
		cursorRes <- result{ev, err}
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, h.Close())

	select {
	case r := <-handleRes:
		require.NoError(t, r.err)
		assert.Equal(t, EventShutdown, r.ev.Kind())
	case <-time.After(time.Second):
		t.Fatal("handle waiter not released by Close")
	}

	// The cursor waiter gets its shutdown event unless the handle waiter
	// took it first, in which case it sees the cursor finished.
	select {
	case r := <-cursorRes:
		if r.err != nil {
			assert.ErrorIs(t, r.err, ErrClosed)
		} else {
			assert.Equal(t, EventShutdown, r.ev.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("cursor waiter not released by Close")
	}

	// Drain whatever shutdown event is left, then the handle is closed.
	for {
		_, err := h.Next(context.Background(), Within(0))
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			break
		}
	}
	assert.True(t, cur.Done())
}

func TestHandle_AppendAsyncOrder(t *testing.T) {
	var recno atomic.Int64
	conn := &cltest.ConnStub{AppendFunc: func(ctx context.Context, req transport.AppendRequest) (*transport.Record, error) {
		return &transport.Record{Recno: recno.Add(1), Payload: req.Payload}, nil
	}}
	_, h := stubHandle(t, ModeAppendOnly, conn)

	payload := []byte("p")
	for i := 0; i < 10; i++ {
		require.NoError(t, h.AppendAsync(payload, i))
	}
	payload[0] = 'X'

	for i := 0; i < 10; i++ {
		ev := nextEvent(t, h.Next)
		d, ok := ev.(DataEvent)
		require.True(t, ok, "got %v", ev.Kind())
		assert.Equal(t, i, d.Completion)
		assert.Equal(t, int64(i+1), d.Datum.Recno)
		assert.Equal(t, "p", d.Datum.Text(), "payload copied at submission")
		assert.Nil(t, d.Cursor())
	}
}

func TestHandle_AppendAsyncFailure(t *testing.T) {
	conn := &cltest.ConnStub{AppendFunc: func(ctx context.Context, req transport.AppendRequest) (*transport.Record, error) {
		return nil, &transport.Error{Code: protocol.CodeTooLarge, Message: "too big"}
	}}
	_, h := stubHandle(t, ModeAppendOnly, conn)

	require.NoError(t, h.AppendAsync([]byte("x"), "ticket"))
	ev := nextEvent(t, h.Next)
	e, ok := ev.(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "ticket", e.Completion)
	assert.Equal(t, StatusBadRequest, e.Status)
	assert.ErrorIs(t, e.Err, ErrInvalid)
	assert.False(t, e.Timeout())
}

func TestHandle_CloseFailsUnsentAppends(t *testing.T) {
	conn := &cltest.ConnStub{AppendFunc: func(ctx context.Context, req transport.AppendRequest) (*transport.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, h := stubHandle(t, ModeAppendOnly, conn)

	require.NoError(t, h.AppendAsync([]byte("a"), "a"))
	require.NoError(t, h.AppendAsync([]byte("b"), "b"))
	require.NoError(t, h.AppendAsync([]byte("c"), "c"))
	time.Sleep(20 * time.Millisecond) // first append is in flight

	require.NoError(t, h.Close())

	for _, want := range []string{"a", "b", "c"} {
		ev := nextEvent(t, h.Next)
		e, ok := ev.(ErrorEvent)
		require.True(t, ok, "got %v", ev.Kind())
		assert.Equal(t, want, e.Completion)
		assert.Equal(t, StatusNotOpen, e.Status)
		assert.ErrorIs(t, e.Err, ErrClosed)
	}
	assert.Equal(t, EventShutdown, nextEvent(t, h.Next).Kind())

	_, err := h.Next(context.Background(), Forever)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.AppendAsync([]byte("late"), nil), ErrClosed)
}

func TestHandle_CloseDoesNotWaitForHungAppend(t *testing.T) {
	conn := &cltest.ConnStub{AppendFunc: func(ctx context.Context, req transport.AppendRequest) (*transport.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, h := stubHandle(t, ModeReadAppend, conn)

	require.NoError(t, h.AppendAsync([]byte("slow"), "slow"))

	waiter := make(chan error, 1)
	go func() {
		_, err := h.Next(context.Background(), Forever)
		waiter <- err
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, h.Close())
	assert.Less(t, time.Since(start), time.Second, "Close waited on the append")

	select {
	case err := <-waiter:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next not released by Close")
	}
}

func TestHandle_StartCursorErrors(t *testing.T) {
	conn := &cltest.ConnStub{StreamFunc: func(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
		return nil, &transport.Error{Code: protocol.CodeRange, Status: StatusRange.Uint32()}
	}}
	_, h := stubHandle(t, ModeReadOnly, conn)

	_, err := h.MultiRead(context.Background(), 99, 0)
	assert.ErrorIs(t, err, ErrRange)
	assert.Equal(t, StatusRange, StatusOf(err))

	_, err = h.MultiRead(context.Background(), 1, -1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRecordingTransport_SeesSessionCalls(t *testing.T) {
	conn := &cltest.ConnStub{ReadFunc: func(ctx context.Context, req transport.ReadRequest) (*transport.Record, error) {
		return &transport.Record{Recno: 2, Payload: []byte("last")}, nil
	}}
	rec := cltest.NewRecordingTransport(&cltest.TransportStub{
		OpenFunc: func(ctx context.Context, req transport.OpenRequest) (transport.Conn, error) { return conn, nil },
	})
	c := NewClientWithTransport(rec, nil)
	defer c.Close()

	h, err := c.Open(context.Background(), NameFromAlias("test"), ModeReadOnly)
	require.NoError(t, err)
	d, err := h.Read(context.Background(), RecnoLast)
	require.NoError(t, err)
	assert.Equal(t, "last", d.Text())
	require.NoError(t, h.Close())

	calls := rec.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "Open", calls[0].Method)
	assert.Equal(t, transport.OpenRequest{Name: NameFromAlias("test").Internal(), Mode: int(ModeReadOnly)}, calls[0].Args)
	assert.Equal(t, transport.ReadRequest{Recno: RecnoLast}, calls[1].Args)
	assert.Equal(t, "Conn.Close", calls[2].Method)
	assert.Equal(t, 1, calls[2].Session)
	assert.NoError(t, calls[2].Err)

	assert.Equal(t, []string{"Open", "Conn.Read", "Conn.Close"}, rec.Methods())
	assert.Equal(t, 1, rec.Count("Conn.Read"))
	rec.Reset()
	assert.Empty(t, rec.Calls())
}
