// Package badgerstore provides a Badger-backed implementation of channellog.Storage.
//
// This implementation is optimized for single-node deployments.
// For production use, consider the following limitations:
//
//   - Value log GC runs every GCInterval; call RunGC directly when the
//     loop is disabled
//   - Writes are not synced to disk individually; a background loop calls
//     Sync every SyncInterval, and Close syncs before returning
//   - Payloads are limited to MaxRecordSize (default 10MB)
//   - Single-process only: Badger uses file locking, but no additional fencing is performed
//
// # Key Layout
//
//	c:{name}               JSON log config (metadata, creation time)
//	s:{name}               last assigned recno, 8 bytes big-endian
//	m:{name}:{recno hex}   timestamp header followed by the payload
//
// {name} is the 43-character printable log name, which never contains ':'.
// Recnos are written as 16 hex digits so keys sort in recno order.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go4org/hashtriemap"

	"github.com/ahimsalabs/channellog-go/channellog"
)

// Key prefixes for different data types within a log.
const (
	prefixConfig  = "c:" // c:{name} -> JSON-encoded logConfig
	prefixMessage = "m:" // m:{name}:{recno} -> record value
	prefixSeq     = "s:" // s:{name} -> last recno
)

// logConfig is the persisted creation-time state of a log.
type logConfig struct {
	Created  time.Time `json:"created"`
	Metadata []byte    `json:"metadata"` // binary channellog.Metadata
}

// logState holds in-memory state for a log. Subscribers are ephemeral and
// not persisted.
type logState struct {
	mu          sync.Mutex // serializes appends
	length      int64
	loaded      bool
	subscribers []*subscriber
}

type subscriber struct {
	after int64
	ch    chan int64
}

// ErrClosed is returned when operations are attempted on a closed storage.
var ErrClosed = errors.New("badgerstore: storage closed")

// Storage is a Badger-backed implementation of channellog.Storage.
type Storage struct {
	db *badger.DB

	// Uses hashtriemap for lock-free lookups with per-log locks for appends.
	logs hashtriemap.HashTrieMap[[channellog.NameSize]byte, *logState]

	// Configuration
	maxRecordSize   int64
	gcDiscardRatio  float64
	shutdownTimeout time.Duration
	inMemory        bool
	logger          *slog.Logger

	// Background goroutine control
	wg             sync.WaitGroup
	shutdownCtx    context.Context    // Cancelled on Close(), signals all background work to stop
	shutdownCancel context.CancelFunc // Called during Close()

	// Close protection - prevents double-close panic and rejects operations after close
	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a new Badger-backed storage.
func New(opts Options) (*Storage, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory || opts.Dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.BadgerLogger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.BadgerLogger)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	opts = opts.withDefaults()
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	s := &Storage{
		db:              db,
		maxRecordSize:   opts.MaxRecordSize,
		gcDiscardRatio:  opts.GCDiscardRatio,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          opts.Logger,
		inMemory:        badgerOpts.InMemory,
		shutdownCtx:     shutdownCtx,
		shutdownCancel:  shutdownCancel,
	}

	if opts.GCInterval > 0 && !badgerOpts.InMemory {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.every(opts.GCInterval, s.gcTick)
		}()
	}
	if opts.SyncInterval > 0 && !badgerOpts.InMemory {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.every(opts.SyncInterval, s.syncTick)
		}()
	}

	return s, nil
}

// Close closes the Badger database and stops background goroutines.
// Waits up to ShutdownTimeout for background goroutines to finish gracefully.
// If the timeout is exceeded, Close logs a warning and returns anyway to prevent indefinite hangs.
// Close is safe to call multiple times - subsequent calls are no-ops.
func (s *Storage) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.shutdownCancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.shutdownTimeout):
			s.logger.Warn("badgerstore: shutdown timeout exceeded, proceeding with close",
				"timeout", s.shutdownTimeout)
		}

		if !s.inMemory {
			if err := s.db.Sync(); err != nil {
				s.logger.Warn("badgerstore: final sync failed", "error", err)
			}
		}
		closeErr = s.db.Close()
	})

	return closeErr
}

// checkClosed returns ErrClosed if the storage has been closed.
func (s *Storage) checkClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// RunGC runs one pass of value log garbage collection and returns the
// number of value log files rewritten.
func (s *Storage) RunGC() (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	return s.collectGarbage()
}

func configKey(name channellog.LogName) []byte {
	return []byte(prefixConfig + name.Printable())
}

func seqKey(name channellog.LogName) []byte {
	return []byte(prefixSeq + name.Printable())
}

func messagePrefix(name channellog.LogName) []byte {
	return []byte(prefixMessage + name.Printable() + ":")
}

func messageKey(name channellog.LogName, recno int64) []byte {
	return append(messagePrefix(name), formatRecno(uint64(recno))...)
}

func (s *Storage) state(name channellog.LogName) *logState {
	st, _ := s.logs.LoadOrStore(name.Internal(), &logState{})
	return st
}

// Create creates an empty log.
func (s *Storage) Create(ctx context.Context, name channellog.LogName, md *channellog.Metadata) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if md == nil {
		md = channellog.NewMetadata()
	}
	mdBytes, err := md.MarshalBinary()
	if err != nil {
		return fmt.Errorf("badgerstore: encode metadata: %w", err)
	}
	encoded, err := json.Marshal(logConfig{Created: time.Now().UTC(), Metadata: mdBytes})
	if err != nil {
		return fmt.Errorf("badgerstore: marshal config: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(configKey(name))
		if err == nil {
			return fmt.Errorf("badgerstore: log %s: %w", name, channellog.ErrExists)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("badgerstore: check existing: %w", err)
		}
		if err := txn.Set(configKey(name), encoded); err != nil {
			return fmt.Errorf("badgerstore: set config: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("badgerstore: log created", "log", name.String())
	return nil
}

// Append adds a record. Appends to one log are serialized so recnos are
// dense; the record and the new last recno are committed together.
func (s *Storage) Append(ctx context.Context, name channellog.LogName, payload []byte) (channellog.Datum, error) {
	if err := s.checkClosed(); err != nil {
		return channellog.Datum{}, err
	}
	if int64(len(payload)) > s.maxRecordSize {
		return channellog.Datum{}, fmt.Errorf("badgerstore: record too large (%d > %d): %w",
			len(payload), s.maxRecordSize, channellog.ErrInvalid)
	}

	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	d := channellog.NewDatum(payload)
	d.Timestamp = channellog.TimestampFrom(time.Now())

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := s.getConfig(txn, name); err != nil {
			return err
		}
		if !st.loaded {
			n, err := s.getLength(txn, name)
			if err != nil {
				return err
			}
			st.length, st.loaded = n, true
		}

		d.Recno = st.length + 1
		if err := txn.Set(messageKey(name, d.Recno), encodeValue(d)); err != nil {
			return fmt.Errorf("badgerstore: set record: %w", err)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(d.Recno))
		if err := txn.Set(seqKey(name), buf[:]); err != nil {
			return fmt.Errorf("badgerstore: set length: %w", err)
		}
		return nil
	})
	if err != nil {
		return channellog.Datum{}, err
	}

	st.length = d.Recno
	for _, sub := range st.subscribers {
		if d.Recno > sub.after {
			select {
			case sub.ch <- d.Recno:
			default:
				// Subscriber already has a pending notification.
			}
		}
	}
	return d, nil
}

// Read returns one record.
func (s *Storage) Read(ctx context.Context, name channellog.LogName, recno int64) (channellog.Datum, error) {
	if err := s.checkClosed(); err != nil {
		return channellog.Datum{}, err
	}

	var d channellog.Datum
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := s.getConfig(txn, name); err != nil {
			return err
		}
		item, err := txn.Get(messageKey(name, recno))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("badgerstore: log %s record %d: %w", name, recno, channellog.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("badgerstore: get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			d, err = decodeValue(recno, val)
			return err
		})
	})
	return d, err
}

// ReadRange returns up to limit records starting at first.
func (s *Storage) ReadRange(ctx context.Context, name channellog.LogName, first int64, limit int) ([]channellog.Datum, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, fmt.Errorf("badgerstore: limit cannot be negative: %w", channellog.ErrInvalid)
	}
	first = max(first, 1)

	var records []channellog.Datum
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := s.getConfig(txn, name); err != nil {
			return err
		}

		prefix := messagePrefix(name)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(messageKey(name, first)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(records) >= limit {
				break
			}

			item := it.Item()
			recno, err := parseRecno(item.Key()[len(prefix):])
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				d, err := decodeValue(int64(recno), val)
				if err != nil {
					return err
				}
				records = append(records, d)
				return nil
			})
			if err != nil {
				return fmt.Errorf("badgerstore: read record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Info returns the metadata and length of a log.
func (s *Storage) Info(ctx context.Context, name channellog.LogName) (*channellog.LogInfo, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var info *channellog.LogInfo
	err := s.db.View(func(txn *badger.Txn) error {
		cfg, err := s.getConfig(txn, name)
		if err != nil {
			return err
		}
		n, err := s.getLength(txn, name)
		if err != nil {
			return err
		}
		md := channellog.NewMetadata()
		if err := md.UnmarshalBinary(cfg.Metadata); err != nil {
			return fmt.Errorf("badgerstore: decode metadata: %w", err)
		}
		info = &channellog.LogInfo{Name: name, Metadata: md, Created: cfg.Created, Length: n}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Subscribe returns a channel notified when the log grows beyond after.
func (s *Storage) Subscribe(ctx context.Context, name channellog.LogName, after int64) (<-chan int64, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	st := s.state(name)
	sub := &subscriber{after: after, ch: make(chan int64, 1)}

	st.mu.Lock()
	if !st.loaded {
		err := s.db.View(func(txn *badger.Txn) error {
			if _, err := s.getConfig(txn, name); err != nil {
				return err
			}
			n, err := s.getLength(txn, name)
			st.length, st.loaded = n, err == nil
			return err
		})
		if err != nil {
			st.mu.Unlock()
			return nil, err
		}
	}
	if st.length > after {
		sub.ch <- st.length
	}
	st.subscribers = append(st.subscribers, sub)
	st.mu.Unlock()

	// Tracked in the WaitGroup so Close() waits for cleanup.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.shutdownCtx.Done():
		}
		st.mu.Lock()
		st.subscribers = slices.DeleteFunc(st.subscribers, func(x *subscriber) bool { return x == sub })
		st.mu.Unlock()
	}()

	return sub.ch, nil
}

// Helper methods

func (s *Storage) getConfig(txn *badger.Txn, name channellog.LogName) (logConfig, error) {
	item, err := txn.Get(configKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return logConfig{}, fmt.Errorf("badgerstore: log %s: %w", name, channellog.ErrNotFound)
	}
	if err != nil {
		return logConfig{}, fmt.Errorf("badgerstore: get config: %w", err)
	}

	var cfg logConfig
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &cfg)
	})
	if err != nil {
		return logConfig{}, fmt.Errorf("badgerstore: unmarshal config: %w", err)
	}
	return cfg, nil
}

// getLength returns the last assigned recno, zero for an empty log.
func (s *Storage) getLength(txn *badger.Txn, name channellog.LogName) (int64, error) {
	item, err := txn.Get(seqKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("badgerstore: get length: %w", err)
	}
	var n int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("badgerstore: corrupt length for %s", name)
		}
		n = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return n, err
}

// valueHeaderSize is sec(8) + nsec(4) + accuracy(4).
const valueHeaderSize = 16

func encodeValue(d channellog.Datum) []byte {
	buf := make([]byte, valueHeaderSize+len(d.Payload))
	binary.BigEndian.PutUint64(buf[0:], uint64(d.Timestamp.Sec))
	binary.BigEndian.PutUint32(buf[8:], uint32(d.Timestamp.Nsec))
	binary.BigEndian.PutUint32(buf[12:], math.Float32bits(d.Timestamp.Accuracy))
	copy(buf[valueHeaderSize:], d.Payload)
	return buf
}

func decodeValue(recno int64, val []byte) (channellog.Datum, error) {
	if len(val) < valueHeaderSize {
		return channellog.Datum{}, fmt.Errorf("badgerstore: corrupt record %d (%d bytes)", recno, len(val))
	}
	d := channellog.NewDatum(val[valueHeaderSize:])
	d.Recno = recno
	d.Timestamp = channellog.Timestamp{
		Sec:      int64(binary.BigEndian.Uint64(val[0:])),
		Nsec:     int32(binary.BigEndian.Uint32(val[8:])),
		Accuracy: math.Float32frombits(binary.BigEndian.Uint32(val[12:])),
	}
	return d, nil
}

// formatRecno formats a recno as a 16-character uppercase hex string.
// Uses manual encoding to avoid fmt.Sprintf allocations on hot path.
const hexDigits = "0123456789ABCDEF"

func formatRecno(n uint64) []byte {
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return buf[:]
}

// parseRecno parses a key suffix written by formatRecno.
func parseRecno(b []byte) (uint64, error) {
	if len(b) != 16 {
		return 0, fmt.Errorf("badgerstore: malformed record key suffix %q", b)
	}
	var n uint64
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
			n = n<<4 | uint64(c-'0')
		case c >= 'A' && c <= 'F':
			n = n<<4 | uint64(c-'A'+10)
		default:
			return 0, fmt.Errorf("badgerstore: malformed record key suffix %q", b)
		}
	}
	return n, nil
}

var _ channellog.Storage = (*Storage)(nil)
