package badgerstore

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// maxGCRounds bounds one GC pass. Each round rewrites at most one value
// log file.
const maxGCRounds = 10

// every calls fn each interval until the storage closes.
func (s *Storage) every(interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// collectGarbage rewrites value log files until Badger finds nothing left
// to reclaim, the round limit is hit, or the storage closes. It returns
// the number of files rewritten. In-memory databases have no value log.
func (s *Storage) collectGarbage() (int, error) {
	if s.inMemory {
		return 0, nil
	}
	n := 0
	for n < maxGCRounds {
		if s.shutdownCtx.Err() != nil {
			return n, nil
		}
		err := s.db.RunValueLogGC(s.gcDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Storage) gcTick() {
	n, err := s.collectGarbage()
	if err != nil {
		s.logger.Warn("badgerstore: value log GC failed", "rewritten", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("badgerstore: value log GC", "rewritten", n)
	}
}

func (s *Storage) syncTick() {
	if err := s.db.Sync(); err != nil {
		s.logger.Warn("badgerstore: sync failed", "error", err)
	}
}
