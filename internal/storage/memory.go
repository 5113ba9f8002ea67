package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Backend. The zero value is not usable; call
// NewMemory.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || expired(e.Expires, m.now()) {
		return "", false, nil
	}
	return e.Value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{
		Key:     key,
		Value:   value,
		Domain:  opts.Domain,
		Path:    opts.Path,
		Expires: opts.expiry(m.now()),
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, key string, _ Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
	return nil
}

// List returns live entries sorted by key.
func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if expired(e.Expires, now) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
