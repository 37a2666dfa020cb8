package channellog

import "context"

// CursorOption configures a cursor started by MultiRead or Subscribe.
type CursorOption func(*cursorOptions)

type cursorOptions struct {
	callback func(Event)
}

// WithCallback hands the cursor's events to fn instead of queueing them
// for Next. The callbacks of all cursors on a handle run one at a time on
// a goroutine owned by the handle, in the order the events were produced.
// The last call for a cursor receives its EndOfStreamEvent, ErrorEvent or
// ShutdownEvent. Cursor.Next on such a cursor returns no events and fails
// with ErrClosed once the cursor is done.
//
// fn may call Close on the cursor or the handle. A slow fn delays the
// callbacks of every other cursor on the handle.
func WithCallback(fn func(Event)) CursorOption {
	return func(o *cursorOptions) { o.callback = fn }
}

// startCallbacks starts the handle's callback goroutine on first use.
func (h *Handle) startCallbacks() {
	h.callbackOnce.Do(func() { go h.runCallbacks() })
}

// runCallbacks dispatches callback events until Close has closed the
// queue and it is drained.
func (h *Handle) runCallbacks() {
	for {
		ev, err := h.callbacks.next(context.Background(), Forever, nil, nil)
		if err != nil {
			return
		}
		h.consumed(ev)
		ev.Cursor().callback(ev)
	}
}
