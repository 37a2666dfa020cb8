// Package memorystorage provides an in-memory implementation of channellog.Storage.
package memorystorage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go4org/hashtriemap"

	"github.com/ahimsalabs/channellog-go/channellog"
)

// memoryLog represents a single log in memory.
type memoryLog struct {
	name     channellog.LogName
	metadata *channellog.Metadata
	created  time.Time

	mu          sync.RWMutex // Per-log lock for appends
	records     []channellog.Datum
	subscribers []*subscriber
}

type subscriber struct {
	after int64
	ch    chan int64
}

// Storage is an in-memory implementation of channellog.Storage.
// Uses hashtriemap for lock-free log lookups with per-log locks for appends.
type Storage struct {
	logs hashtriemap.HashTrieMap[[channellog.NameSize]byte, *memoryLog]
}

// New creates a new in-memory storage instance.
func New() *Storage {
	return &Storage{}
}

func (m *Storage) load(name channellog.LogName) (*memoryLog, error) {
	l, ok := m.logs.Load(name.Internal())
	if !ok {
		return nil, fmt.Errorf("log %s: %w", name, channellog.ErrNotFound)
	}
	return l, nil
}

// Create creates an empty log.
func (m *Storage) Create(ctx context.Context, name channellog.LogName, md *channellog.Metadata) error {
	if md == nil {
		md = channellog.NewMetadata()
	}
	l := &memoryLog{name: name, metadata: md.Clone(), created: time.Now()}
	if _, loaded := m.logs.LoadOrStore(name.Internal(), l); loaded {
		return fmt.Errorf("log %s: %w", name, channellog.ErrExists)
	}
	return nil
}

// Append adds a record and wakes the subscribers it satisfies.
func (m *Storage) Append(ctx context.Context, name channellog.LogName, payload []byte) (channellog.Datum, error) {
	l, err := m.load(name)
	if err != nil {
		return channellog.Datum{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d := channellog.NewDatum(payload)
	d.Recno = int64(len(l.records)) + 1
	d.Timestamp = channellog.TimestampFrom(time.Now())
	l.records = append(l.records, d)

	for _, s := range l.subscribers {
		if d.Recno > s.after {
			select {
			case s.ch <- d.Recno:
			default:
			}
		}
	}
	return d, nil
}

// Read returns one record.
func (m *Storage) Read(ctx context.Context, name channellog.LogName, recno int64) (channellog.Datum, error) {
	l, err := m.load(name)
	if err != nil {
		return channellog.Datum{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if recno < 1 || recno > int64(len(l.records)) {
		return channellog.Datum{}, fmt.Errorf("log %s record %d: %w", name, recno, channellog.ErrNotFound)
	}
	return l.records[recno-1], nil
}

// ReadRange returns up to limit records starting at first.
func (m *Storage) ReadRange(ctx context.Context, name channellog.LogName, first int64, limit int) ([]channellog.Datum, error) {
	l, err := m.load(name)
	if err != nil {
		return nil, err
	}
	if first < 1 {
		first = 1
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	n := int64(len(l.records))
	if first > n {
		return nil, nil
	}
	end := n
	if limit > 0 && first-1+int64(limit) < end {
		end = first - 1 + int64(limit)
	}
	return slices.Clone(l.records[first-1 : end]), nil
}

// Info returns the metadata and length of a log.
func (m *Storage) Info(ctx context.Context, name channellog.LogName) (*channellog.LogInfo, error) {
	l, err := m.load(name)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return &channellog.LogInfo{
		Name:     l.name,
		Metadata: l.metadata.Clone(),
		Created:  l.created,
		Length:   int64(len(l.records)),
	}, nil
}

// Subscribe returns a channel notified when the log grows beyond after.
func (m *Storage) Subscribe(ctx context.Context, name channellog.LogName, after int64) (<-chan int64, error) {
	l, err := m.load(name)
	if err != nil {
		return nil, err
	}

	// Buffered so appends never block.
	s := &subscriber{after: after, ch: make(chan int64, 1)}

	l.mu.Lock()
	if n := int64(len(l.records)); n > after {
		s.ch <- n
	}
	l.subscribers = append(l.subscribers, s)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		l.subscribers = slices.DeleteFunc(l.subscribers, func(x *subscriber) bool { return x == s })
		l.mu.Unlock()
	}()

	return s.ch, nil
}

var _ channellog.Storage = (*Storage)(nil)
