package channellog

import "sync"

// asyncAppender sends the AppendAsync requests of one handle, one at a
// time and in submission order, and reports each result as an event.
type asyncAppender struct {
	h *Handle

	mu      sync.Mutex
	queue   []*pendingAppend
	running bool
	closed  bool

	// Signalled when the worker goes idle.
	cond *sync.Cond
}

// pendingAppend is a submitted append waiting to be sent.
type pendingAppend struct {
	payload    []byte
	completion any
}

func newAsyncAppender(h *Handle) *asyncAppender {
	a := &asyncAppender{h: h}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// submit queues payload. The caller has already copied it.
func (a *asyncAppender) submit(payload []byte, completion any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return newError(KindClosed, "append async", StatusNotOpen, nil)
	}

	a.queue = append(a.queue, &pendingAppend{payload: payload, completion: completion})
	if !a.running {
		a.running = true
		go a.run()
	}
	return nil
}

// run drains the queue. Only one run goroutine exists at a time.
func (a *asyncAppender) run() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			a.cond.Broadcast()
			a.mu.Unlock()
			return
		}
		p := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.send(p)
	}
}

func (a *asyncAppender) send(p *pendingAppend) {
	ctx, cancel := a.h.opContext(a.h.ctx)
	defer cancel()

	d, err := a.h.appendConn(ctx, "append async", p.payload)
	if err != nil && a.h.ctx.Err() != nil {
		// Cut off by Close; the server may or may not have the record.
		err = newError(KindClosed, "append async", StatusNotOpen, err)
	}
	if err != nil {
		a.h.events.push(ErrorEvent{Status: StatusOf(err), Err: err, Completion: p.completion})
		return
	}
	a.h.events.push(DataEvent{Datum: d, Completion: p.completion})
}

// close stops accepting appends, waits for the one in flight, and fails
// whatever had not been sent yet. The handle context is already cancelled,
// so the wait is short.
func (a *asyncAppender) close() {
	a.mu.Lock()
	a.closed = true
	unsent := a.queue
	a.queue = nil
	for a.running {
		a.cond.Wait()
	}
	a.mu.Unlock()

	for _, p := range unsent {
		a.h.events.push(ErrorEvent{
			Status:     StatusNotOpen,
			Err:        newError(KindClosed, "append async", StatusNotOpen, nil),
			Completion: p.completion,
		})
	}
}
