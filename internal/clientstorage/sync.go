// Package clientstorage mirrors storage-backed state fields into durable
// client storage and reads them back for hydration.
//
// A state field is addressed by its state key, "<substate>.<field>". The
// Config says which state keys live in cookies and which in local storage,
// and under which external name. Cookie entries take precedence when a key is
// configured for both.
//
// Storage failures are never surfaced to callers. A missing backend or a
// failing read/write is logged at debug level and skipped.
package clientstorage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/syncline/internal/storage"
	"github.com/roach88/syncline/internal/wire"
)

// HydratedField is the flag the remote processor sets on the root substate
// once hydration completed.
const HydratedField = "is_hydrated"

// CookieConfig binds a state key to a cookie.
type CookieConfig struct {
	Name    string
	Options storage.Options
}

// LocalConfig binds a state key to a local storage entry. Sync entries are
// watched for writes made by other client instances.
type LocalConfig struct {
	Name string
	Sync bool
}

// Config declares the storage-backed state keys.
type Config struct {
	Cookies      map[string]CookieConfig
	LocalStorage map[string]LocalConfig
}

// Empty reports whether no key is storage-backed.
func (c Config) Empty() bool {
	return len(c.Cookies) == 0 && len(c.LocalStorage) == 0
}

func (c CookieConfig) externalName(stateKey string) string {
	if c.Name != "" {
		return c.Name
	}
	return stateKey
}

func (c LocalConfig) externalName(stateKey string) string {
	if c.Name != "" {
		return c.Name
	}
	return stateKey
}

// localWriteHook observes local storage writes made by this process.
// present is false for removals.
type localWriteHook func(name, value string, present bool)

// Sync persists deltas and assembles hydration payloads.
type Sync struct {
	cfg     Config
	cookies storage.Backend
	local   storage.Backend
	logger  *slog.Logger

	hookMu sync.Mutex
	hook   localWriteHook
}

// New returns a Sync over the given backends. Either backend may be nil, in
// which case operations on it are no-ops.
func New(cfg Config, cookies, local storage.Backend, logger *slog.Logger) *Sync {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{cfg: cfg, cookies: cookies, local: local, logger: logger}
}

// Config returns the storage configuration.
func (s *Sync) Config() Config {
	return s.cfg
}

// HydrationPayload reads every configured key and returns the ones that
// currently have a stored value, keyed by state key.
func (s *Sync) HydrationPayload(ctx context.Context) map[string]any {
	out := make(map[string]any)
	if s.cfg.Empty() {
		return out
	}

	if s.cookies != nil {
		for stateKey, c := range s.cfg.Cookies {
			raw, ok := s.get(ctx, s.cookies, c.externalName(stateKey))
			if ok {
				out[stateKey] = decodeCookie(raw)
			}
		}
	}
	if s.local != nil {
		for stateKey, l := range s.cfg.LocalStorage {
			if raw, ok := s.get(ctx, s.local, l.externalName(stateKey)); ok {
				out[stateKey] = raw
			}
		}
	}
	return out
}

// Persist writes the storage-backed fields of delta. It returns the number
// of writes performed.
//
// A delta whose only unqualified substate reports is_hydrated=false is
// skipped entirely: the values arrive together with the hydrate event.
func (s *Sync) Persist(ctx context.Context, delta wire.Delta) int {
	if s.cfg.Empty() || len(delta) == 0 {
		return 0
	}
	if hydrating(delta) {
		s.logger.Debug("skipping client storage write during hydration")
		return 0
	}

	writes := 0
	for _, substate := range delta.Substates() {
		for field, value := range delta[substate] {
			stateKey := substate + "." + field
			if c, ok := s.cfg.Cookies[stateKey]; ok {
				name := c.externalName(stateKey)
				str, err := encodeCookie(value)
				if err != nil {
					s.logger.Debug("skipping unencodable cookie value", "key", name, "error", err)
					continue
				}
				if s.set(ctx, s.cookies, name, str, c.Options) {
					writes++
				}
				continue
			}
			if l, ok := s.cfg.LocalStorage[stateKey]; ok {
				name := l.externalName(stateKey)
				str, err := encodeLocal(value)
				if err != nil {
					s.logger.Debug("skipping unencodable local storage value", "key", name, "error", err)
					continue
				}
				if s.set(ctx, s.local, name, str, storage.Options{}) {
					s.noteLocal(name, str, true)
					writes++
				}
			}
		}
	}
	return writes
}

// RemoveCookie deletes a cookie by external name.
func (s *Sync) RemoveCookie(ctx context.Context, name string, opts storage.Options) {
	if s.cookies == nil {
		return
	}
	if err := s.cookies.Remove(ctx, name, opts); err != nil {
		s.logger.Debug("cookie remove failed", "key", name, "error", err)
	}
}

// RemoveLocal deletes a local storage entry by external name.
func (s *Sync) RemoveLocal(ctx context.Context, name string) {
	if s.local == nil {
		return
	}
	if err := s.local.Remove(ctx, name, storage.Options{}); err != nil {
		s.logger.Debug("local storage remove failed", "key", name, "error", err)
		return
	}
	s.noteLocal(name, "", false)
}

// ClearLocal deletes every local storage entry.
func (s *Sync) ClearLocal(ctx context.Context) {
	if s.local == nil {
		return
	}
	if err := s.local.Clear(ctx); err != nil {
		s.logger.Debug("local storage clear failed", "error", err)
		return
	}
	for stateKey, l := range s.cfg.LocalStorage {
		s.noteLocal(l.externalName(stateKey), "", false)
	}
}

func (s *Sync) get(ctx context.Context, b storage.Backend, name string) (string, bool) {
	v, ok, err := b.Get(ctx, name)
	if err != nil {
		s.logger.Debug("client storage read failed", "key", name, "error", err)
		return "", false
	}
	return v, ok
}

func (s *Sync) set(ctx context.Context, b storage.Backend, name, value string, opts storage.Options) bool {
	if b == nil {
		return false
	}
	if err := b.Set(ctx, name, value, opts); err != nil {
		s.logger.Debug("client storage write failed", "key", name, "error", err)
		return false
	}
	return true
}

func (s *Sync) setLocalHook(h localWriteHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = h
}

func (s *Sync) noteLocal(name, value string, present bool) {
	s.hookMu.Lock()
	h := s.hook
	s.hookMu.Unlock()
	if h != nil {
		h(name, value, present)
	}
}

// hydrating reports whether delta carries exactly one unqualified substate
// whose is_hydrated flag is present and false.
func hydrating(delta wire.Delta) bool {
	var root string
	count := 0
	for name := range delta {
		if !strings.Contains(name, ".") {
			root = name
			count++
		}
	}
	if count != 1 {
		return false
	}
	v, ok := delta[root][HydratedField]
	if !ok {
		return false
	}
	if v == nil {
		return true
	}
	b, isBool := v.(bool)
	return isBool && !b
}

// encodeCookie stores strings verbatim and everything else as JSON. Values
// JSON cannot carry (NaN, infinities) are an error and must not be written.
func encodeCookie(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(wire.NormalizeValue(v))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeLocal(v any) (string, error) {
	return encodeCookie(v)
}

// decodeCookie turns JSON object and array cookies back into values. Other
// cookies are returned as strings.
func decodeCookie(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return raw
	}
	return v
}
