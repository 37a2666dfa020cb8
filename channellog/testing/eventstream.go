package testing

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ahimsalabs/channellog-go/channellog/transport"
)

// RecordStreamStub is a test double for transport.RecordStream.
//
// Configure Events to provide a sequence of events, or set Err to simulate
// an error after the events are exhausted. Without Err, Next returns io.EOF
// once the events run out, unless Block is set, in which case it waits for
// the context or Close.
//
// Example:
//
//	stub := &RecordStreamStub{
//		Events: []transport.StreamEvent{
//			testing.DataEvent(1, "hello"),
//			testing.EndEvent(0),
//		},
//	}
type RecordStreamStub struct {
	Events []transport.StreamEvent // Events to return in sequence
	Err    error                   // Error returned once Events are exhausted
	Block  bool                    // Wait instead of returning io.EOF at the end

	mu     sync.Mutex
	index  int
	closed bool
	done   chan struct{}
}

// Next returns the next scripted event.
func (s *RecordStreamStub) Next(ctx context.Context) (*transport.StreamEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("stream closed")
	}
	if s.index < len(s.Events) {
		ev := s.Events[s.index]
		s.index++
		s.mu.Unlock()
		return &ev, nil
	}
	if s.Err != nil {
		s.mu.Unlock()
		return nil, s.Err
	}
	if !s.Block {
		s.mu.Unlock()
		return nil, io.EOF
	}
	done := s.doneLocked()
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, errors.New("stream closed")
	}
}

func (s *RecordStreamStub) doneLocked() chan struct{} {
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// Close marks the stream as closed and releases a blocked Next.
func (s *RecordStreamStub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.doneLocked())
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *RecordStreamStub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// DataEvent returns a data event carrying a record with a text payload.
func DataEvent(recno int64, payload string) transport.StreamEvent {
	return transport.StreamEvent{
		Type:   transport.StreamData,
		Record: &transport.Record{Recno: recno, Payload: []byte(payload)},
	}
}

// EndEvent returns an end event with a packed status.
func EndEvent(status uint32) transport.StreamEvent {
	return transport.StreamEvent{Type: transport.StreamEnd, Status: status}
}
