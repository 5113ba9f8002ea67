package testutil

import (
	"context"
	"sync"
)

// Effect is one recorded local side effect.
type Effect struct {
	Kind string
	Arg  string
	Arg2 string
}

// Effects records opener, console, clipboard, downloader and alerter calls.
// Err, when set, is returned by every fallible effect.
type Effects struct {
	mu      sync.Mutex
	effects []Effect
	Err     error
}

func (r *Effects) add(kind, arg, arg2 string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, Effect{Kind: kind, Arg: arg, Arg2: arg2})
}

func (r *Effects) Open(url string) error {
	r.add("open", url, "")
	return r.Err
}

func (r *Effects) Log(message string) {
	r.add("console", message, "")
}

func (r *Effects) WriteAll(text string) error {
	r.add("clipboard", text, "")
	return r.Err
}

func (r *Effects) Download(_ context.Context, url, filename string) error {
	r.add("download", url, filename)
	return r.Err
}

func (r *Effects) Alert(message string) {
	r.add("alert", message, "")
}

// All returns the recorded effects in call order.
func (r *Effects) All() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Effect(nil), r.effects...)
}
