package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/syncline/internal/state"
	"github.com/roach88/syncline/internal/upload"
	"github.com/roach88/syncline/internal/wire"
)

// DefaultInflightTimeout bounds how long the gate waits for a final Update.
const DefaultInflightTimeout = 60 * time.Second

// DefaultUploadID is used when an uploadFiles event names no upload id.
const DefaultUploadID = "default"

// Source says where an inbound Update came from.
type Source int

const (
	// SourceConnection: a websocket frame. Its final flag drives the gate.
	SourceConnection Source = iota + 1
	// SourceUpload: a line of an upload response. Never touches the gate.
	SourceUpload
)

func (s Source) String() string {
	switch s {
	case SourceConnection:
		return "connection"
	case SourceUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// Step kinds reported to an observer.
const (
	StepSpecial    = "special"
	StepSend       = "send"
	StepSendFailed = "send_failed"
	StepUpload     = "upload"
	StepUploadDone = "upload_done"
	StepUpdate     = "update"
	StepDropped    = "dropped"
	StepTimeout    = "timeout"
	StepReset      = "reset"
)

// Step is one observable engine action, stamped with the engine clock.
type Step struct {
	Seq    int64          `json:"seq"`
	Kind   string         `json:"kind"`
	Event  string         `json:"event,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Engine is the client event loop: a FIFO queue drained one event at a time
// behind a processing gate.
//
// Thread-safety model:
//   - Enqueue, Drain, HandleUpdate: safe from any goroutine
//   - At most one goroutine dispatches at a time (the gate holder)
//   - Inbound Updates are applied under a pipeline mutex, in arrival order
//
// INVARIANTS:
//   - Events are dispatched in enqueue order
//   - At most one network event awaits its final Update
//   - The gate word is only changed through CompareAndSwap
type Engine struct {
	state *state.Store
	queue *eventQueue

	// gate packs a generation counter and a busy bit: gen<<1 | busy.
	// Every acquisition bumps the generation, so a stale timeout can only
	// release the dispatch that armed it.
	gate atomic.Uint64

	// awaiting is the generation of the websocket send waiting for its final
	// Update, 0 when none. Only that holder is released on reconnect.
	awaiting atomic.Uint64

	// uploadHold is the started upload holding the gate, if any.
	uploadMu   sync.Mutex
	uploadHold struct {
		id  string
		gen uint64
	}

	transportMu sync.RWMutex
	transport   Transport

	uploads   Uploads
	storage   ClientStorage
	tokens    TokenSource
	bootstrap Bootstrap
	effects   Effects

	inflight time.Duration
	timerMu  sync.Mutex
	timer    *time.Timer

	pipeMu sync.Mutex

	clock    Sequencer
	observer func(Step)
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClientStorage persists inbound deltas and serves storage specials.
func WithClientStorage(cs ClientStorage) Option {
	return func(e *Engine) { e.storage = cs }
}

// WithUploads routes uploadFiles events to u.
func WithUploads(u Uploads) Option {
	return func(e *Engine) { e.uploads = u }
}

// WithTokens stamps outgoing events with the session token.
func WithTokens(t TokenSource) Option {
	return func(e *Engine) { e.tokens = t }
}

// WithBootstrap supplies initial and route on-load events.
func WithBootstrap(b Bootstrap) Option {
	return func(e *Engine) { e.bootstrap = b }
}

// WithEffects sets the local side effects for special events.
func WithEffects(fx Effects) Option {
	return func(e *Engine) { e.effects = fx }
}

// WithInflightTimeout sets how long the gate waits for a final Update.
// Zero disables the timeout.
func WithInflightTimeout(d time.Duration) Option {
	return func(e *Engine) { e.inflight = d }
}

// WithObserver receives every Step. obs may be called from several
// goroutines and must be safe for concurrent use.
func WithObserver(obs func(Step)) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithClock stamps steps with seq instead of a fresh Clock.
func WithClock(seq Sequencer) Option {
	return func(e *Engine) { e.clock = seq }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine applying deltas to st.
func New(st *state.Store, opts ...Option) *Engine {
	if st == nil {
		st = state.NewStore()
	}
	e := &Engine{
		state:    st,
		queue:    newEventQueue(),
		inflight: DefaultInflightTimeout,
		clock:    NewClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetTransport attaches the connection. Until then Drain is a no-op.
func (e *Engine) SetTransport(t Transport) {
	e.transportMu.Lock()
	defer e.transportMu.Unlock()
	e.transport = t
}

func (e *Engine) currentTransport() Transport {
	e.transportMu.RLock()
	defer e.transportMu.RUnlock()
	return e.transport
}

// State returns the store deltas are applied to.
func (e *Engine) State() *state.Store {
	return e.state
}

// Processing reports whether the gate is held.
func (e *Engine) Processing() bool {
	return e.gate.Load()&busyBit != 0
}

// Pending returns the queued events, front first.
func (e *Engine) Pending() []wire.Event {
	return e.queue.Pending()
}

// Enqueue appends events to the queue, then attempts a drain.
func (e *Engine) Enqueue(ctx context.Context, events ...wire.Event) {
	if len(events) > 0 && !e.queue.Enqueue(events...) {
		e.logger.Warn("engine closed, events dropped", "count", len(events))
		return
	}
	e.Drain(ctx)
}

// Drain dispatches queued events one at a time until the queue is empty, the
// transport is absent or disconnected, or a network event awaits its reply.
// A call that finds the gate held returns immediately; the holder picks up
// whatever was enqueued meanwhile.
func (e *Engine) Drain(ctx context.Context) {
	for {
		if e.queue.Len() == 0 {
			return
		}
		t := e.currentTransport()
		if t == nil || !t.Connected() {
			return
		}
		gen, ok := e.acquire()
		if !ok {
			return
		}
		ev, ok := e.queue.TryDequeue()
		if !ok {
			e.releaseGen(gen)
			continue
		}
		if e.dispatch(ctx, t, ev, gen) {
			return
		}
		e.releaseGen(gen)
	}
}

// Close rejects further enqueues and stops the in-flight timer.
func (e *Engine) Close() {
	e.queue.Close()
	e.stopTimer()
}

// dispatch handles one event and reports whether it now awaits a reply.
func (e *Engine) dispatch(ctx context.Context, t Transport, ev wire.Event, gen uint64) bool {
	switch {
	case ev.HasHandler():
		return e.dispatchHandler(ctx, t, ev, gen)
	case ev.IsSpecial():
		e.handleSpecial(ctx, ev)
		return false
	default:
		return e.send(ctx, t, ev, gen)
	}
}

func (e *Engine) send(ctx context.Context, t Transport, ev wire.Event, gen uint64) bool {
	ev = e.enrich(ev)

	e.emit(StepSend, ev.Name, map[string]any{"payload": ev.Payload})
	e.awaiting.Store(gen)
	if err := t.Send(ev); err != nil {
		e.awaiting.CompareAndSwap(gen, 0)
		e.logDispatchError(newDispatchError(ErrCodeSendFailed, ev.Name, "event dropped", err))
		e.emit(StepSendFailed, ev.Name, nil)
		return false
	}
	e.logger.Debug("event sent", "event", ev.Name)
	e.armTimeout(ctx, gen)
	return true
}

// enrich fills token and router data once, right before network dispatch.
func (e *Engine) enrich(ev wire.Event) wire.Event {
	if ev.Token == "" && e.tokens != nil {
		ev.Token = e.tokens.Token()
	}
	if ev.Router == nil && e.effects.Router != nil {
		rd := e.effects.Router.Current()
		ev.Router = &rd
	}
	ev.Payload = wire.NormalizePayload(ev.Payload)
	return ev
}

func (e *Engine) dispatchHandler(ctx context.Context, t Transport, ev wire.Event, gen uint64) bool {
	if ev.Handler != wire.HandlerUploadFiles {
		e.logDispatchError(newDispatchError(ErrCodeUnknownHandler, ev.Name, "unknown handler "+ev.Handler, nil))
		e.emit(StepDropped, ev.Name, map[string]any{"handler": ev.Handler})
		return false
	}

	files, err := stringList(ev.Payload["files"])
	if err != nil {
		e.logDispatchError(newDispatchError(ErrCodeInvalidPayload, ev.Name, "files", err))
		e.emit(StepDropped, ev.Name, nil)
		return false
	}
	if len(files) == 0 {
		// Nothing to upload: run the handler over the connection instead.
		return e.send(ctx, t, wire.NewEvent(ev.Name, nil), gen)
	}
	if e.uploads == nil {
		e.logDispatchError(newDispatchError(ErrCodeNoEffect, ev.Name, "no upload streamer", nil))
		e.emit(StepDropped, ev.Name, nil)
		return false
	}

	p := payloadReader{event: ev.Name, payload: ev.Payload}
	id := p.optionalStr("upload_id")
	if id == "" {
		id = DefaultUploadID
	}
	progressEvent := p.optionalStr("on_upload_progress")
	if p.err != nil {
		e.logDispatchError(p.err)
		e.emit(StepDropped, ev.Name, nil)
		return false
	}

	req := upload.Request{Handler: ev.Name, Files: files, UploadID: id}
	if progressEvent != "" {
		req.OnProgress = func(pr upload.Progress) {
			e.Enqueue(ctx, wire.NewEvent(progressEvent, map[string]any{
				"upload_id": pr.UploadID,
				"loaded":    pr.Loaded,
				"total":     pr.Total,
				"progress":  pr.Fraction(),
			}))
		}
	}

	// The gate stays with the upload until a final line arrives or the
	// upload finishes (UploadDone).
	started := e.uploads.Start(ctx, req)
	e.emit(StepUpload, ev.Name, map[string]any{"upload_id": id, "started": started})
	if started {
		e.uploadMu.Lock()
		e.uploadHold.id, e.uploadHold.gen = id, gen
		e.uploadMu.Unlock()
	}
	return started
}

// UploadDone releases the gate when an upload ends without having sent a
// final line, so a failed or truncated upload cannot stall the queue.
func (e *Engine) UploadDone(ctx context.Context, r upload.Result) {
	e.uploadMu.Lock()
	gen := e.uploadHold.gen
	if e.uploadHold.id != r.UploadID {
		gen = 0
	}
	if gen != 0 {
		e.uploadHold.id, e.uploadHold.gen = "", 0
	}
	e.uploadMu.Unlock()
	if gen == 0 || !e.releaseGen(gen) {
		return
	}
	if r.Err != nil {
		e.logger.Warn("upload failed, releasing queue", "upload_id", r.UploadID, "error", r.Err)
	} else {
		e.logger.Warn("upload ended without a final update, releasing queue", "upload_id", r.UploadID, "lines", r.Lines)
	}
	e.emit(StepUploadDone, "", map[string]any{"upload_id": r.UploadID, "lines": r.Lines, "failed": r.Err != nil})
	if ctx.Err() == nil {
		e.Drain(ctx)
	}
}

func (e *Engine) handleSpecial(ctx context.Context, ev wire.Event) {
	sp, err := ParseSpecial(ev)
	if err != nil {
		e.logDispatchError(err)
		e.emit(StepDropped, ev.Name, nil)
		return
	}

	e.emit(StepSpecial, ev.Name, nil)
	if err := e.runSpecial(ctx, ev.Name, sp); err != nil {
		e.logDispatchError(err)
	}

	if mutatesStorage(sp) && e.bootstrap != nil {
		e.queue.Enqueue(e.bootstrap.InitialEvents(ctx)...)
	}
}

func (e *Engine) runSpecial(ctx context.Context, name string, sp Special) error {
	fx := e.effects
	missing := func(what string) error {
		return newDispatchError(ErrCodeNoEffect, name, "no "+what+" configured", nil)
	}
	failed := func(err error) error {
		if err == nil {
			return nil
		}
		return newDispatchError(ErrCodeEffectFailed, name, "effect failed", err)
	}

	switch s := sp.(type) {
	case Redirect:
		if s.External {
			if fx.Opener == nil {
				return missing("opener")
			}
			return failed(fx.Opener.Open(s.Path))
		}
		if fx.Router == nil {
			return missing("router")
		}
		if err := fx.Router.Push(s.Path, s.Replace); err != nil {
			return failed(err)
		}
		if e.bootstrap != nil {
			e.queue.Enqueue(e.bootstrap.OnRouteLoadEvents()...)
		}
		return nil

	case ConsoleLog:
		if fx.Console == nil {
			return missing("console")
		}
		fx.Console.Log(s.Message)
		return nil

	case RemoveCookie:
		if e.storage != nil {
			e.storage.RemoveCookie(ctx, s.Key, s.Options)
		}
		return nil

	case ClearLocalStorage:
		if e.storage != nil {
			e.storage.ClearLocal(ctx)
		}
		return nil

	case RemoveLocalStorage:
		if e.storage != nil {
			e.storage.RemoveLocal(ctx, s.Key)
		}
		return nil

	case SetClipboard:
		if fx.Clipboard == nil {
			return missing("clipboard")
		}
		return failed(fx.Clipboard.WriteAll(s.Content))

	case Download:
		if fx.Downloader == nil {
			return missing("downloader")
		}
		return failed(fx.Downloader.Download(ctx, s.URL, s.Filename))

	case Alert:
		if fx.Alerter == nil {
			return missing("alerter")
		}
		fx.Alerter.Alert(s.Message)
		return nil

	case SetFocus:
		if fx.Refs == nil {
			return missing("refs registry")
		}
		el, ok := fx.Refs.Lookup(s.Ref)
		if !ok {
			return newDispatchError(ErrCodeMissingRef, name, "no element for ref "+s.Ref, nil)
		}
		return failed(el.Focus())

	case SetValue:
		if fx.Refs == nil {
			return missing("refs registry")
		}
		el, ok := fx.Refs.Lookup(s.Ref)
		if !ok {
			return newDispatchError(ErrCodeMissingRef, name, "no element for ref "+s.Ref, nil)
		}
		return failed(el.SetValue(s.Value))

	case CallScript:
		if fx.Script == nil {
			return missing("script evaluator")
		}
		result, err := fx.Script.Eval(ctx, s.Expression, e.scriptVars())
		if err != nil {
			return failed(err)
		}
		if s.Callback != "" {
			e.queue.Enqueue(wire.NewEvent(s.Callback, map[string]any{"result": result}))
		}
		return nil

	default:
		return newDispatchError(ErrCodeUnknownSpecial, name, fmt.Sprintf("unhandled variant %T", sp), nil)
	}
}

// scriptVars are the only variables a script can see.
func (e *Engine) scriptVars() map[string]any {
	st := make(map[string]any)
	for name, fields := range e.state.All() {
		st[name] = fields
	}
	router := map[string]any{"pathname": "", "query": map[string]any{}, "asPath": ""}
	if e.effects.Router != nil {
		rd := e.effects.Router.Current()
		q := make(map[string]any, len(rd.Query))
		for k, v := range rd.Query {
			q[k] = v
		}
		router = map[string]any{"pathname": rd.Pathname, "query": q, "asPath": rd.AsPath}
	}
	return map[string]any{"state": st, "router": router}
}

// HandleMessage decodes a websocket frame and runs it through the inbound
// pipeline.
func (e *Engine) HandleMessage(ctx context.Context, raw []byte) error {
	u, err := wire.DecodeUpdate(raw)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	e.HandleUpdate(ctx, u, SourceConnection)
	return nil
}

// HandleUploadLine decodes one upload response line and runs it through the
// inbound pipeline.
func (e *Engine) HandleUploadLine(ctx context.Context, raw []byte) error {
	u, err := wire.DecodeUpdate(raw)
	if err != nil {
		return fmt.Errorf("decode upload update: %w", err)
	}
	e.HandleUpdate(ctx, u, SourceUpload)
	return nil
}

// HandleUpdate applies the delta, persists it to client storage, enqueues
// follow-up events, moves the gate (Processing = !final) and drains.
func (e *Engine) HandleUpdate(ctx context.Context, u wire.Update, src Source) {
	e.pipeMu.Lock()
	e.state.Apply(u.Delta)
	if e.storage != nil {
		e.storage.Persist(ctx, u.Delta)
	}
	e.emit(StepUpdate, "", map[string]any{
		"source":    src.String(),
		"substates": u.Delta.Substates(),
		"events":    len(u.Events),
		"final":     u.Final,
	})

	// Follow-ups must be queued before the gate opens.
	if len(u.Events) > 0 {
		e.queue.Enqueue(u.Events...)
	}
	switch {
	case u.Final:
		if src == SourceConnection {
			e.stopTimer()
		}
		e.awaiting.Store(0)
		e.release()
	case src == SourceConnection:
		gen, acquired := e.hold()
		if acquired {
			e.awaiting.Store(gen)
		}
		e.armTimeout(ctx, gen)
	default:
		e.hold()
	}
	e.pipeMu.Unlock()

	e.Drain(ctx)
}

// OnConnect releases a gate held for a websocket reply: replies to anything
// sent over a previous connection can no longer arrive. A holder still
// dispatching a local event or an upload keeps the gate.
func (e *Engine) OnConnect(ctx context.Context) {
	if gen := e.awaiting.Swap(0); gen != 0 && e.releaseGen(gen) {
		e.stopTimer()
	}
	e.emit(StepReset, "", nil)
	e.Drain(ctx)
}

// OnConnectError logs the failed dial. The queue keeps its events.
func (e *Engine) OnConnectError(_ context.Context, err error) {
	e.logger.Warn("connection error", "error", err, "pending", e.queue.Len())
}

// OnMessage runs a websocket frame through the pipeline, logging bad frames.
func (e *Engine) OnMessage(ctx context.Context, raw []byte) {
	if err := e.HandleMessage(ctx, raw); err != nil {
		e.logger.Warn("dropping inbound message", "error", err)
	}
}

const busyBit = 1

// acquire takes the gate if idle and returns the new generation.
func (e *Engine) acquire() (uint64, bool) {
	for {
		s := e.gate.Load()
		if s&busyBit != 0 {
			return 0, false
		}
		gen := s>>1 + 1
		if e.gate.CompareAndSwap(s, gen<<1|busyBit) {
			return gen, true
		}
	}
}

// releaseGen releases the gate only if gen still holds it.
func (e *Engine) releaseGen(gen uint64) bool {
	return e.gate.CompareAndSwap(gen<<1|busyBit, gen<<1)
}

// release clears the busy bit whoever holds it.
func (e *Engine) release() {
	for {
		s := e.gate.Load()
		if s&busyBit == 0 {
			return
		}
		if e.gate.CompareAndSwap(s, s&^busyBit) {
			return
		}
	}
}

// hold marks the gate busy for a reply still in progress. It returns the
// holding generation and whether this call took the gate.
func (e *Engine) hold() (uint64, bool) {
	for {
		s := e.gate.Load()
		if s&busyBit != 0 {
			return s >> 1, false
		}
		gen := s>>1 + 1
		if e.gate.CompareAndSwap(s, gen<<1|busyBit) {
			return gen, true
		}
	}
}

func (e *Engine) armTimeout(ctx context.Context, gen uint64) {
	if e.inflight <= 0 {
		return
	}
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.inflight, func() { e.expire(ctx, gen) })
}

func (e *Engine) stopTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) expire(ctx context.Context, gen uint64) {
	if !e.releaseGen(gen) {
		return
	}
	e.logger.Warn("no final update before timeout, releasing queue", "timeout", e.inflight, "pending", e.queue.Len())
	e.emit(StepTimeout, "", nil)
	if ctx.Err() == nil {
		e.Drain(ctx)
	}
}

func (e *Engine) emit(kind, event string, detail map[string]any) {
	if e.observer == nil {
		return
	}
	e.observer(Step{Seq: e.clock.Next(), Kind: kind, Event: event, Detail: detail})
}

// logDispatchError logs with the event and code so the failure can be traced
// back to what the UI enqueued.
func (e *Engine) logDispatchError(err error) {
	var de *DispatchError
	if errors.As(err, &de) {
		e.logger.Error("event dispatch failed", "event", de.Event, "code", de.Code, "error", err)
		return
	}
	e.logger.Error("event dispatch failed", "error", err)
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("files[%d]: want string, got %T", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want list of paths, got %T", v)
	}
}
