package engine

import (
	"sync"

	"github.com/roach88/syncline/internal/wire"
)

// eventQueue is a thread-safe FIFO queue of outgoing events.
//
// The queue is unbounded: follow-up events from the remote processor and
// re-enqueued initial events must never block the caller that produced them.
//
// Enqueue is called from UI callers, the websocket read loop, upload streams
// and special-event handlers. TryDequeue is only called by the goroutine that
// holds the processing gate.
type eventQueue struct {
	mu     sync.Mutex
	events []wire.Event
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]wire.Event, 0, 64),
	}
}

// Enqueue appends events to the back of the queue in order.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(events ...wire.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, events...)
	return true
}

// TryDequeue removes and returns the front event without blocking.
// Returns (wire.Event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (wire.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return wire.Event{}, false
	}

	e := q.events[0]

	// Zero the slot so the backing array does not retain the payload.
	q.events[0] = wire.Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Pending returns a copy of the queued events, front first.
func (q *eventQueue) Pending() []wire.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]wire.Event(nil), q.events...)
}

// Close rejects further enqueues. Events already queued stay.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
