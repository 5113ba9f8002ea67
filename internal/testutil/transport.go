package testutil

import (
	"errors"
	"sync"

	"github.com/roach88/syncline/internal/wire"
)

// ErrSendRejected is what Transport.Send returns after FailNextSend.
var ErrSendRejected = errors.New("send rejected")

// Transport records sent events. It starts connected.
type Transport struct {
	mu        sync.Mutex
	connected bool
	sent      []wire.Event
	failNext  int
}

// NewTransport creates a connected transport.
func NewTransport() *Transport {
	return &Transport{connected: true}
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetConnected flips the connection state.
func (t *Transport) SetConnected(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = v
}

// FailNextSend makes the next n Send calls fail without recording.
func (t *Transport) FailNextSend(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
}

func (t *Transport) Send(ev wire.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.New("not connected")
	}
	if t.failNext > 0 {
		t.failNext--
		return ErrSendRejected
	}
	t.sent = append(t.sent, ev)
	return nil
}

// Sent returns a copy of every event sent so far.
func (t *Transport) Sent() []wire.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.Event(nil), t.sent...)
}

// Names returns the names of the sent events, in order.
func (t *Transport) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, len(t.sent))
	for i, ev := range t.sent {
		names[i] = ev.Name
	}
	return names
}

// Last returns the most recently sent event.
func (t *Transport) Last() (wire.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return wire.Event{}, false
	}
	return t.sent[len(t.sent)-1], true
}
