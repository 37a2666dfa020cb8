package channellog

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var errQueueClosed = errors.New("event queue closed")

// eventQueue holds the undelivered events of one handle. Waiters block on
// notify, which is closed and replaced whenever the queue changes.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{})}
}

func (q *eventQueue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// push appends ev. Events pushed after close are dropped.
func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	q.broadcastLocked()
}

// close stops accepting events. Queued events stay deliverable.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// wake rouses every waiter so it can re-check its done condition.
func (q *eventQueue) wake() {
	q.mu.Lock()
	q.broadcastLocked()
	q.mu.Unlock()
}

// next removes and returns the oldest event accepted by match (all events
// when match is nil). It returns errQueueClosed once the queue is closed,
// or done reports true, and nothing matching is left.
func (q *eventQueue) next(ctx context.Context, wait Wait, match func(Event) bool, done func() bool) (Event, error) {
	var expired <-chan time.Time
	if d, ok := wait.Duration(); ok {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if i := slices.IndexFunc(q.events, func(ev Event) bool { return match == nil || match(ev) }); i >= 0 {
			ev := q.events[i]
			q.events = slices.Delete(q.events, i, i+1)
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed || (done != nil && done()) {
			q.mu.Unlock()
			return nil, errQueueClosed
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return ErrorEvent{Status: StatusTimeout}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pending returns the number of queued events.
func (q *eventQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
