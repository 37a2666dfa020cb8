// Package testing provides test helpers for channellog.
//
// This package contains test doubles for code built on the channellog
// transport layer. The main helpers are:
//
//   - TransportStub and ConnStub: configurable stubs for unit tests
//   - RecordingTransport: a decorator that records every call, including
//     calls on the connections it opens
//   - RecordStreamStub: a scripted transport.RecordStream
//
// Example usage:
//
//	conn := &testing.ConnStub{
//		ReadFunc: func(ctx context.Context, req transport.ReadRequest) (*transport.Record, error) {
//			return &transport.Record{Recno: 1, Payload: []byte("hello")}, nil
//		},
//	}
//	stub := &testing.TransportStub{
//		OpenFunc: func(ctx context.Context, req transport.OpenRequest) (transport.Conn, error) {
//			return conn, nil
//		},
//	}
//	client := channellog.NewClientWithTransport(stub, nil)
package testing

import (
	"context"
	"sync/atomic"

	"github.com/ahimsalabs/channellog-go/channellog/transport"
)

// TransportStub is a test double for transport.Transport.
//
// Set the function fields to control behavior. Unset methods panic with
// a "not implemented" message, making it easy to identify which methods
// your tests need to stub.
type TransportStub struct {
	CreateFunc func(ctx context.Context, req transport.CreateRequest) error
	OpenFunc   func(ctx context.Context, req transport.OpenRequest) (transport.Conn, error)
}

// Create delegates to CreateFunc or panics if not set.
func (s *TransportStub) Create(ctx context.Context, req transport.CreateRequest) error {
	if s.CreateFunc == nil {
		panic("TransportStub.Create not implemented")
	}
	return s.CreateFunc(ctx, req)
}

// Open delegates to OpenFunc or panics if not set.
func (s *TransportStub) Open(ctx context.Context, req transport.OpenRequest) (transport.Conn, error) {
	if s.OpenFunc == nil {
		panic("TransportStub.Open not implemented")
	}
	return s.OpenFunc(ctx, req)
}

// ConnStub is a test double for transport.Conn.
//
// Read, Append and Stream panic when their function is unset. Close
// succeeds when CloseFunc is unset and counts calls either way.
type ConnStub struct {
	ReadFunc   func(ctx context.Context, req transport.ReadRequest) (*transport.Record, error)
	AppendFunc func(ctx context.Context, req transport.AppendRequest) (*transport.Record, error)
	StreamFunc func(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error)
	CloseFunc  func(ctx context.Context) error

	// Entries is returned by Metadata.
	Entries []transport.MetadataEntry

	closes atomic.Int32
}

// Read delegates to ReadFunc or panics if not set.
func (s *ConnStub) Read(ctx context.Context, req transport.ReadRequest) (*transport.Record, error) {
	if s.ReadFunc == nil {
		panic("ConnStub.Read not implemented")
	}
	return s.ReadFunc(ctx, req)
}

// Append delegates to AppendFunc or panics if not set.
func (s *ConnStub) Append(ctx context.Context, req transport.AppendRequest) (*transport.Record, error) {
	if s.AppendFunc == nil {
		panic("ConnStub.Append not implemented")
	}
	return s.AppendFunc(ctx, req)
}

// Stream delegates to StreamFunc or panics if not set.
func (s *ConnStub) Stream(ctx context.Context, req transport.StreamRequest) (transport.RecordStream, error) {
	if s.StreamFunc == nil {
		panic("ConnStub.Stream not implemented")
	}
	return s.StreamFunc(ctx, req)
}

// Metadata returns Entries.
func (s *ConnStub) Metadata() []transport.MetadataEntry {
	return s.Entries
}

// Close records the call and delegates to CloseFunc if set.
func (s *ConnStub) Close(ctx context.Context) error {
	s.closes.Add(1)
	if s.CloseFunc == nil {
		return nil
	}
	return s.CloseFunc(ctx)
}

// Closes returns how many times Close was called.
func (s *ConnStub) Closes() int {
	return int(s.closes.Load())
}
