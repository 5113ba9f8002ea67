package testutil

import (
	"context"
	"sync"

	"github.com/roach88/syncline/internal/storage"
	"github.com/roach88/syncline/internal/upload"
	"github.com/roach88/syncline/internal/wire"
)

// FixedToken always returns the same session token.
type FixedToken string

func (t FixedToken) Token() string {
	if t == "" {
		return "test-token-default"
	}
	return string(t)
}

// Uploads records upload requests. Start reports true until Reject is called.
type Uploads struct {
	mu       sync.Mutex
	requests []upload.Request
	reject   bool
}

// Reject makes further Start calls report false.
func (u *Uploads) Reject() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reject = true
}

func (u *Uploads) Start(_ context.Context, req upload.Request) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, req)
	return !u.reject
}

// Requests returns the recorded requests.
func (u *Uploads) Requests() []upload.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upload.Request(nil), u.requests...)
}

// StorageCall is one recorded client storage operation.
type StorageCall struct {
	Op    string
	Key   string
	Delta wire.Delta
}

// Storage records client storage operations.
type Storage struct {
	mu    sync.Mutex
	calls []StorageCall
}

func (s *Storage) record(c StorageCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *Storage) Persist(_ context.Context, delta wire.Delta) int {
	s.record(StorageCall{Op: "persist", Delta: delta})
	return 0
}

func (s *Storage) RemoveCookie(_ context.Context, name string, _ storage.Options) {
	s.record(StorageCall{Op: "remove_cookie", Key: name})
}

func (s *Storage) RemoveLocal(_ context.Context, name string) {
	s.record(StorageCall{Op: "remove_local", Key: name})
}

func (s *Storage) ClearLocal(context.Context) {
	s.record(StorageCall{Op: "clear_local"})
}

// Calls returns the recorded operations.
func (s *Storage) Calls() []StorageCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StorageCall(nil), s.calls...)
}

// Bootstrap returns fixed initial and on-load events.
type Bootstrap struct {
	Initial []wire.Event
	OnLoad  []wire.Event
}

func (b Bootstrap) InitialEvents(context.Context) []wire.Event {
	return append(append([]wire.Event(nil), b.Initial...), b.OnLoad...)
}

func (b Bootstrap) OnRouteLoadEvents() []wire.Event {
	return append([]wire.Event(nil), b.OnLoad...)
}

// ScriptFunc adapts a function to the engine's script evaluator.
type ScriptFunc func(ctx context.Context, expr string, vars map[string]any) (any, error)

func (f ScriptFunc) Eval(ctx context.Context, expr string, vars map[string]any) (any, error) {
	return f(ctx, expr, vars)
}
