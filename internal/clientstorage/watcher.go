package clientstorage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/syncline/internal/wire"
)

// DefaultUpdateEvent is the event a changed sync key is reported with.
const DefaultUpdateEvent = "state.update_vars_internal"

// Watcher reports local storage changes made by other client instances that
// share the same database file. Only keys configured with Sync are watched.
//
// Each change is emitted as one event with payload {"vars": {stateKey: value}},
// value being nil once the key was removed. Writes made through the watched
// Sync are recorded as known and never reported.
type Watcher struct {
	sync      *Sync
	dbPath    string
	eventName string
	emit      func(...wire.Event)
	logger    *slog.Logger

	mu   sync.Mutex
	last map[string]*string // external name -> last seen value
	keys map[string]string  // external name -> state key
}

// NewWatcher returns a watcher over the sync keys of s. eventName defaults to
// DefaultUpdateEvent.
func NewWatcher(s *Sync, dbPath, eventName string, emit func(...wire.Event), logger *slog.Logger) *Watcher {
	if eventName == "" {
		eventName = DefaultUpdateEvent
	}
	if logger == nil {
		logger = slog.Default()
	}
	keys := make(map[string]string)
	for stateKey, l := range s.cfg.LocalStorage {
		if l.Sync {
			keys[l.externalName(stateKey)] = stateKey
		}
	}
	return &Watcher{
		sync:      s,
		dbPath:    dbPath,
		eventName: eventName,
		emit:      emit,
		logger:    logger,
		last:      make(map[string]*string),
		keys:      keys,
	}
}

// Enabled reports whether any key is configured for syncing.
func (w *Watcher) Enabled() bool {
	return len(w.keys) > 0 && w.sync.local != nil
}

// Run watches the database directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.Enabled() {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.dbPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch storage directory: %w", err)
	}

	w.sync.setLocalHook(w.record)
	defer w.sync.setLocalHook(nil)

	w.prime(ctx)

	base := filepath.Base(w.dbPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// The database, its -wal and -shm files
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			w.poll(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("storage watcher error", "error", err)
		}
	}
}

// prime records current values without reporting them.
func (w *Watcher) prime(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name := range w.keys {
		w.last[name] = w.read(ctx, name)
	}
}

// poll re-reads every sync key and emits one event per changed key, in
// state key order.
func (w *Watcher) poll(ctx context.Context) {
	w.mu.Lock()
	names := make([]string, 0, len(w.keys))
	for name := range w.keys {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return w.keys[names[i]] < w.keys[names[j]] })

	var events []wire.Event
	for _, name := range names {
		cur := w.read(ctx, name)
		if sameValue(cur, w.last[name]) {
			continue
		}
		w.last[name] = cur
		var value any
		if cur != nil {
			value = *cur
		}
		events = append(events, wire.NewEvent(w.eventName, map[string]any{
			"vars": map[string]any{w.keys[name]: value},
		}))
	}
	w.mu.Unlock()

	if len(events) > 0 {
		w.logger.Debug("local storage changed externally", "count", len(events))
		w.emit(events...)
	}
}

func (w *Watcher) record(name, value string, present bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, watched := w.keys[name]; !watched {
		return
	}
	if !present {
		w.last[name] = nil
		return
	}
	v := value
	w.last[name] = &v
}

func (w *Watcher) read(ctx context.Context, name string) *string {
	v, ok := w.sync.get(ctx, w.sync.local, name)
	if !ok {
		return nil
	}
	return &v
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
