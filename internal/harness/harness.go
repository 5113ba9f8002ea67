package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/syncline/internal/client"
	"github.com/roach88/syncline/internal/clientstorage"
	"github.com/roach88/syncline/internal/engine"
	"github.com/roach88/syncline/internal/refs"
	"github.com/roach88/syncline/internal/route"
	"github.com/roach88/syncline/internal/script"
	"github.com/roach88/syncline/internal/storage"
	"github.com/roach88/syncline/internal/testutil"
	"github.com/roach88/syncline/internal/wire"
)

// DefaultHydrateEvent is used when a scenario names none.
const DefaultHydrateEvent = "state.hydrate"

// Harness owns one engine and the recording collaborators around it.
// Everything runs on the calling goroutine: uploads are recorded rather than
// streamed and the in-flight timeout is disabled, so a run is reproducible.
type Harness struct {
	engine    *engine.Engine
	clock     *testutil.DeterministicClock
	transport *testutil.Transport
	effects   *testutil.Effects
	uploads   *testutil.Uploads
	bootstrap *client.Bootstrap
	cookies   *storage.Memory
	local     *storage.Memory
	fields    map[string]*refs.Field
	logger    *slog.Logger

	mu    sync.Mutex
	trace []engine.Step
}

// Run executes a scenario in a fresh harness and evaluates its assertions.
// The returned error covers setup and malformed steps; assertion failures
// are reported through Result.
func Run(scenario *Scenario) (*Result, error) {
	h, err := New(scenario)
	if err != nil {
		return nil, err
	}
	defer h.engine.Close()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	result := h.snapshot(ctx)
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// New builds the engine and its collaborators for scenario.
func New(scenario *Scenario) (*Harness, error) {
	routePath := scenario.Route
	if routePath == "" {
		routePath = "/"
	}
	router, err := route.NewMemoryRouter(routePath)
	if err != nil {
		return nil, fmt.Errorf("route: %w", err)
	}

	h := &Harness{
		clock:     testutil.NewDeterministicClock(),
		transport: testutil.NewTransport(),
		effects:   &testutil.Effects{},
		uploads:   &testutil.Uploads{},
		cookies:   storage.NewMemory(),
		local:     storage.NewMemory(),
		fields:    make(map[string]*refs.Field),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx := context.Background()
	cfg := clientstorage.Config{}
	if st := scenario.Storage; st != nil {
		cfg.Cookies = make(map[string]clientstorage.CookieConfig, len(st.Cookies))
		for key, name := range st.Cookies {
			cfg.Cookies[key] = clientstorage.CookieConfig{Name: name}
		}
		cfg.LocalStorage = make(map[string]clientstorage.LocalConfig, len(st.LocalStorage))
		for key, name := range st.LocalStorage {
			cfg.LocalStorage[key] = clientstorage.LocalConfig{Name: name}
		}
		for name, v := range st.StoredCookies {
			if err := h.cookies.Set(ctx, name, v, storage.Options{}); err != nil {
				return nil, err
			}
		}
		for name, v := range st.StoredLocal {
			if err := h.local.Set(ctx, name, v, storage.Options{}); err != nil {
				return nil, err
			}
		}
	}
	cs := clientstorage.New(cfg, h.cookies, h.local, h.logger)

	hydrate := scenario.HydrateEvent
	if hydrate == "" {
		hydrate = DefaultHydrateEvent
	}
	h.bootstrap = &client.Bootstrap{HydrateEvent: hydrate, OnLoad: scenario.OnLoad, Storage: cs}

	registry := refs.NewRegistry()
	for _, ref := range scenario.Refs {
		f := &refs.Field{}
		h.fields[ref] = f
		registry.Register(ref, f)
	}

	eval, err := script.New()
	if err != nil {
		return nil, fmt.Errorf("script evaluator: %w", err)
	}

	h.engine = engine.New(nil,
		engine.WithClientStorage(cs),
		engine.WithUploads(h.uploads),
		engine.WithTokens(testutil.FixedToken(scenario.Token)),
		engine.WithBootstrap(h.bootstrap),
		engine.WithEffects(engine.Effects{
			Router:     router,
			Opener:     h.effects,
			Console:    h.effects,
			Clipboard:  h.effects,
			Downloader: h.effects,
			Alerter:    h.effects,
			Refs:       registry,
			Script:     eval,
		}),
		engine.WithInflightTimeout(0),
		engine.WithClock(h.clock),
		engine.WithObserver(h.observe),
		engine.WithLogger(h.logger),
	)
	h.engine.SetTransport(h.transport)
	return h, nil
}

// Engine returns the engine under test.
func (h *Harness) Engine() *engine.Engine {
	return h.engine
}

func (h *Harness) observe(s engine.Step) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, s)
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Start:
		h.engine.Enqueue(ctx, h.bootstrap.InitialEvents(ctx)...)

	case len(step.Enqueue) > 0:
		events := make([]wire.Event, 0, len(step.Enqueue))
		for _, spec := range step.Enqueue {
			ev, err := decodeEvent(spec)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		h.engine.Enqueue(ctx, events...)

	case step.Reply != nil:
		raw, err := json.Marshal(step.Reply)
		if err != nil {
			return fmt.Errorf("encode reply: %w", err)
		}
		return h.engine.HandleMessage(ctx, raw)

	case step.UploadLine != nil:
		raw, err := json.Marshal(step.UploadLine)
		if err != nil {
			return fmt.Errorf("encode upload line: %w", err)
		}
		return h.engine.HandleUploadLine(ctx, raw)

	case step.Disconnect:
		h.transport.SetConnected(false)

	case step.Connect:
		h.transport.SetConnected(true)
		h.engine.OnConnect(ctx)
	}
	return nil
}

// decodeEvent runs an event through the wire codec so payload numbers
// become the int64 and float64 values the engine sees in production.
func decodeEvent(spec EventSpec) (wire.Event, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return wire.Event{}, fmt.Errorf("encode event %q: %w", spec.Name, err)
	}
	return wire.DecodeEvent(raw)
}

func (h *Harness) snapshot(ctx context.Context) *Result {
	r := NewResult()

	h.mu.Lock()
	r.Trace = append(r.Trace, h.trace...)
	h.mu.Unlock()

	r.State = h.engine.State().All()
	r.Sent = h.transport.Sent()
	r.Pending = len(h.engine.Pending())
	r.Processing = h.engine.Processing()
	r.Cookies = entries(ctx, h.cookies)
	r.Local = entries(ctx, h.local)
	r.Uploads = h.uploads.Requests()
	for _, fx := range h.effects.All() {
		r.Effects = append(r.Effects, fx.Kind+":"+fx.Arg)
	}
	for ref, f := range h.fields {
		r.RefValues[ref] = f.Value()
	}
	return r
}

func entries(ctx context.Context, m *storage.Memory) map[string]string {
	list, err := m.List(ctx)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(list))
	for _, e := range list {
		out[e.Key] = e.Value
	}
	return out
}
