package state

import (
	"sort"
	"sync"

	"github.com/roach88/syncline/internal/wire"
)

// Observer is notified after a substate changed.
// snapshot is a private copy of the substate after the merge.
type Observer func(substate string, snapshot map[string]any)

// Store is the local state tree keyed by substate.
// The zero value is ready to use.
type Store struct {
	mu        sync.RWMutex
	substates map[string]map[string]any

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Apply shallow-merges delta into the store and returns the updated
// substate names in sorted order. Each updated substate is reported to
// observers exactly once.
func (s *Store) Apply(delta wire.Delta) []string {
	if len(delta) == 0 {
		return nil
	}

	names := delta.Substates()
	snaps := make(map[string]map[string]any, len(names))

	s.mu.Lock()
	if s.substates == nil {
		s.substates = make(map[string]map[string]any)
	}
	for _, name := range names {
		cur := s.substates[name]
		next := make(map[string]any, len(cur)+len(delta[name]))
		for k, v := range cur {
			next[k] = v
		}
		for k, v := range delta[name] {
			next[k] = cloneValue(v)
		}
		s.substates[name] = next
		snaps[name] = cloneMap(next)
	}
	s.mu.Unlock()

	observers := s.observerList()
	for _, name := range names {
		for _, obs := range observers {
			obs(name, snaps[name])
		}
	}
	return names
}

// Snapshot returns a copy of one substate and whether it exists.
func (s *Store) Snapshot(substate string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.substates[substate]
	if !ok {
		return nil, false
	}
	return cloneMap(cur), true
}

// All returns a copy of the whole state tree.
func (s *Store) All() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any, len(s.substates))
	for name, fields := range s.substates {
		out[name] = cloneMap(fields)
	}
	return out
}

// Get returns a single field.
func (s *Store) Get(substate, field string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.substates[substate][field]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Substates lists known substate names in sorted order.
func (s *Store) Substates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.substates))
	for name := range s.substates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers obs and returns a function that removes it.
func (s *Store) Subscribe(obs Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if s.observers == nil {
		s.observers = make(map[int]Observer)
	}
	id := s.nextObs
	s.nextObs++
	s.observers[id] = obs
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) observerList() []Observer {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
