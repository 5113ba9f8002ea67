// Package refs maps element refs to the live UI elements behind them.
//
// The rendering layer registers an element when it mounts and calls the
// returned function when it unmounts. Special events that target an element
// (_set_focus, _set_value) resolve it here at dispatch time.
package refs

import (
	"sort"
	"sync"
)

// Element is a UI element a special event can act on.
type Element interface {
	Focus() error
	SetValue(v any) error
}

// Registry is a concurrency-safe ref → element map.
type Registry struct {
	mu       sync.RWMutex
	elements map[string]entry
	next     uint64
}

type entry struct {
	id uint64
	el Element
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{elements: make(map[string]entry)}
}

// Register binds ref to el, replacing any previous binding. The returned
// function removes the binding, unless ref was re-registered since.
func (r *Registry) Register(ref string, el Element) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.elements[ref] = entry{id: id, el: el}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.elements[ref]; ok && cur.id == id {
			delete(r.elements, ref)
		}
	}
}

// Lookup returns the element bound to ref.
func (r *Registry) Lookup(ref string) (Element, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.elements[ref]
	if !ok {
		return nil, false
	}
	return e.el, true
}

// Refs lists the registered refs in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.elements))
	for ref := range r.elements {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Field is an in-memory Element, used by headless clients and tests.
type Field struct {
	mu      sync.Mutex
	value   any
	focused bool
}

// Focus marks the field focused.
func (f *Field) Focus() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = true
	return nil
}

// SetValue stores v.
func (f *Field) SetValue(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = v
	return nil
}

// Value returns the last value set.
func (f *Field) Value() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Focused reports whether Focus was called.
func (f *Field) Focused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused
}
