// Package route tracks the client's current route.
//
// A headless client has no address bar, so MemoryRouter keeps the route and
// a history stack in memory. Every outgoing event is stamped with Current.
package route

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/roach88/syncline/internal/wire"
)

// MemoryRouter is an in-memory router. Safe for concurrent use.
type MemoryRouter struct {
	mu      sync.RWMutex
	current wire.RouterData
	history []string
	onPush  []func(wire.RouterData)
}

// NewMemoryRouter starts at initial, "/" when empty.
func NewMemoryRouter(initial string) (*MemoryRouter, error) {
	if initial == "" {
		initial = "/"
	}
	rd, err := Parse(initial)
	if err != nil {
		return nil, err
	}
	return &MemoryRouter{current: rd, history: []string{rd.AsPath}}, nil
}

// Parse turns a path with optional query into a route descriptor.
func Parse(path string) (wire.RouterData, error) {
	u, err := url.Parse(path)
	if err != nil {
		return wire.RouterData{}, fmt.Errorf("parse route %q: %w", path, err)
	}
	if u.IsAbs() || u.Host != "" {
		return wire.RouterData{}, fmt.Errorf("route %q is not a path", path)
	}
	pathname := u.Path
	if pathname == "" {
		pathname = "/"
	}
	query := make(map[string]string)
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			query[k] = vs[len(vs)-1]
		}
	}
	asPath := pathname
	if u.RawQuery != "" {
		asPath += "?" + u.RawQuery
	}
	return wire.RouterData{Pathname: pathname, Query: query, AsPath: asPath}, nil
}

// Current returns the current route.
func (r *MemoryRouter) Current() wire.RouterData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyRoute(r.current)
}

// Push navigates to path. With replace the current history entry is
// overwritten instead of a new one being added.
func (r *MemoryRouter) Push(path string, replace bool) error {
	rd, err := Parse(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.current = rd
	if replace && len(r.history) > 0 {
		r.history[len(r.history)-1] = rd.AsPath
	} else {
		r.history = append(r.history, rd.AsPath)
	}
	hooks := append(([]func(wire.RouterData))(nil), r.onPush...)
	r.mu.Unlock()

	for _, h := range hooks {
		h(copyRoute(rd))
	}
	return nil
}

// History returns the visited paths, oldest first.
func (r *MemoryRouter) History() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.history...)
}

// OnPush registers fn to run after every navigation.
func (r *MemoryRouter) OnPush(fn func(wire.RouterData)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPush = append(r.onPush, fn)
}

func copyRoute(rd wire.RouterData) wire.RouterData {
	q := make(map[string]string, len(rd.Query))
	for k, v := range rd.Query {
		q[k] = v
	}
	rd.Query = q
	return rd
}
