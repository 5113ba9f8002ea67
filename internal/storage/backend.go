package storage

import (
	"context"
	"time"
)

// Backend is the primitive a client store exposes: get, set, remove, clear.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, opts Options) error
	Remove(ctx context.Context, key string, opts Options) error
	Clear(ctx context.Context) error
}

// Lister is implemented by backends that can enumerate their entries.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// Options are cookie attributes. Local storage ignores them.
type Options struct {
	Domain   string
	Path     string
	Expires  time.Time
	MaxAge   time.Duration
	Secure   bool
	SameSite string
}

// expiry resolves the absolute expiry for a write at now. MaxAge wins over
// Expires. A zero time means the entry never expires.
func (o Options) expiry(now time.Time) time.Time {
	if o.MaxAge != 0 {
		return now.Add(o.MaxAge)
	}
	return o.Expires
}

// Entry is one stored key.
type Entry struct {
	Key     string    `json:"key"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain,omitempty"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

func expired(expires, now time.Time) bool {
	return !expires.IsZero() && !expires.After(now)
}
