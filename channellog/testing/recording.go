package testing

import (
	"context"
	"slices"
	"sync"

	"github.com/ahimsalabs/channellog-go/channellog/transport"
)

// Call is one recorded transport call.
type Call struct {
	// Method is "Create", "Open", or "Conn.<method>" for session calls.
	Method string

	// Session numbers the Open that a Conn call belongs to, starting at 1.
	// It is 0 for Create and Open.
	Session int

	// Args is the request struct, or nil for Conn.Close.
	Args any

	// Err is the error the wrapped transport returned.
	Err error
}

// RecordingTransport wraps a Transport and records every call in order,
// including calls on the sessions it opens:
//
//	rec := testing.NewRecordingTransport(inner)
//	client := channellog.NewClientWithTransport(rec, nil)
//	...
//	if got := rec.Methods(); !slices.Equal(got, want) { ... }
type RecordingTransport struct {
	inner transport.Transport

	mu       sync.Mutex
	calls    []Call
	sessions int
}

// NewRecordingTransport records calls made through inner.
func NewRecordingTransport(inner transport.Transport) *RecordingTransport {
	return &RecordingTransport{inner: inner}
}

func (r *RecordingTransport) add(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *RecordingTransport) Create(ctx context.Context, req transport.CreateRequest) error {
	err := r.inner.Create(ctx, req)
	r.add(Call{Method: "Create", Args: req, Err: err})
	return err
}

func (r *RecordingTransport) Open(ctx context.Context, req transport.OpenRequest) (transport.Conn, error) {
	conn, err := r.inner.Open(ctx, req)
	r.add(Call{Method: "Open", Args: req, Err: err})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions++
	session := r.sessions
	r.mu.Unlock()
	return &recordingConn{Conn: conn, r: r, session: session}, nil
}

// Calls returns a copy of the calls recorded so far.
func (r *RecordingTransport) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Methods returns the method names of the recorded calls, in order.
func (r *RecordingTransport) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Method
	}
	return out
}

// Count returns how many times method was called.
func (r *RecordingTransport) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset forgets the recorded calls. Session numbering continues.
func (r *RecordingTransport) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

type recordingConn struct {
	transport.Conn
	r       *RecordingTransport
	session int
}

func (c *recordingConn) add(method string, args any, err error) {
	c.r.add(Call{Method: "Conn." + method, Session: c.session, Args: args, Err: err})
}

func (c *recordingConn) Read(ctx context.Context, req transport.ReadRequest) (*transport.Record, error) {
	rec, err := c.Conn.Read(ctx, req)
	c.add("Read", req, err)
	return rec, err
}

func (c *recordingConn) Append(ctx context.Context, req transport.AppendRequest) (*transport.Record, error) {
	rec, err := c.Conn.Append(ctx, req)
	c.add("Append", req, err)
	return rec, err
}

func (c *recordingConn) Stream(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
	s, err := c.Conn.Stream(ctx, req)
	c.add("Stream", req, err)
	return s, err
}

func (c *recordingConn) Close(ctx context.Context) error {
	err := c.Conn.Close(ctx)
	c.add("Close", nil, err)
	return err
}
