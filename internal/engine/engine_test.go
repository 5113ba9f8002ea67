package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/refs"
	"github.com/roach88/syncline/internal/route"
	"github.com/roach88/syncline/internal/testutil"
	"github.com/roach88/syncline/internal/upload"
	"github.com/roach88/syncline/internal/wire"
)

// stepLog collects observed steps.
type stepLog struct {
	mu    sync.Mutex
	steps []Step
}

func (l *stepLog) add(s Step) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, s)
}

func (l *stepLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.steps))
	for i, s := range l.steps {
		out[i] = s.Kind
	}
	return out
}

func (l *stepLog) find(kind string) (Step, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.steps {
		if s.Kind == kind {
			return s, true
		}
	}
	return Step{}, false
}

type fixture struct {
	eng   *Engine
	tr    *testutil.Transport
	steps *stepLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	steps := &stepLog{}
	base := []Option{
		WithTokens(testutil.FixedToken("tok-1")),
		WithObserver(steps.add),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithInflightTimeout(0),
	}
	eng := New(nil, append(base, opts...)...)
	tr := testutil.NewTransport()
	eng.SetTransport(tr)
	t.Cleanup(eng.Close)
	return &fixture{eng: eng, tr: tr, steps: steps}
}

func (f *fixture) reply(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, f.eng.HandleMessage(context.Background(), []byte(raw)))
}

const finalEmpty = `{"delta":{},"events":[],"final":true}`

func TestEngine_SendsOneEventAtATime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.eng.Enqueue(ctx, wire.NewEvent("app.one", nil), wire.NewEvent("app.two", nil))

	assert.Equal(t, []string{"app.one"}, f.tr.Names())
	assert.True(t, f.eng.Processing())
	require.Len(t, f.eng.Pending(), 1)
	assert.Equal(t, "app.two", f.eng.Pending()[0].Name)

	f.reply(t, `{"delta":{},"events":[],"final":false}`)
	assert.Equal(t, []string{"app.one"}, f.tr.Names(), "non-final update keeps the gate")

	f.reply(t, finalEmpty)
	assert.Equal(t, []string{"app.one", "app.two"}, f.tr.Names())

	f.reply(t, finalEmpty)
	assert.False(t, f.eng.Processing())
	assert.Empty(t, f.eng.Pending())
}

func TestEngine_SetCountRoundTrip(t *testing.T) {
	r, err := route.NewMemoryRouter("/counter?tab=1")
	require.NoError(t, err)
	f := newFixture(t, WithEffects(Effects{Router: r}))
	ctx := context.Background()

	f.eng.Enqueue(ctx, wire.NewEvent("app.counter.set_count", map[string]any{"value": int64(5)}))

	sent, ok := f.tr.Last()
	require.True(t, ok)
	assert.Equal(t, "app.counter.set_count", sent.Name)
	assert.Equal(t, int64(5), sent.Payload["value"])
	assert.Equal(t, "tok-1", sent.Token)
	require.NotNil(t, sent.Router)
	assert.Equal(t, "/counter", sent.Router.Pathname)
	assert.Equal(t, "1", sent.Router.Query["tab"])

	f.reply(t, `{"delta":{"app.counter":{"value":5}},"events":[],"final":true}`)

	v, ok := f.eng.State().Get("app.counter", "value")
	require.True(t, ok)
	assert.Equal(t, int64(5), v)
	assert.False(t, f.eng.Processing())
	assert.Equal(t, []string{StepSend, StepUpdate}, f.steps.kinds())
}

func TestEngine_FollowUpEventsRunAfterFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.eng.Enqueue(ctx, wire.NewEvent("app.start", nil), wire.NewEvent("app.queued", nil))
	f.reply(t, `{"delta":{},"events":[{"name":"app.follow","payload":{"n":1}}],"final":true}`)

	// The follow-up lands behind what was already queued.
	assert.Equal(t, []string{"app.start", "app.queued"}, f.tr.Names())
	f.reply(t, finalEmpty)
	assert.Equal(t, []string{"app.start", "app.queued", "app.follow"}, f.tr.Names())
}

func TestEngine_PreservesExistingTokenAndRouter(t *testing.T) {
	f := newFixture(t)

	ev := wire.NewEvent("app.x", nil)
	ev.Token = "already"
	ev.Router = &wire.RouterData{Pathname: "/set"}
	f.eng.Enqueue(context.Background(), ev)

	sent, ok := f.tr.Last()
	require.True(t, ok)
	assert.Equal(t, "already", sent.Token)
	assert.Equal(t, "/set", sent.Router.Pathname)
}

func TestEngine_NormalizesUndefined(t *testing.T) {
	f := newFixture(t)

	f.eng.Enqueue(context.Background(), wire.NewEvent("app.x", map[string]any{
		"a": wire.Undefined,
		"b": map[string]any{"c": wire.Undefined},
	}))

	sent, ok := f.tr.Last()
	require.True(t, ok)
	assert.Contains(t, sent.Payload, "a")
	assert.Nil(t, sent.Payload["a"])
	assert.Equal(t, map[string]any{"c": nil}, sent.Payload["b"])
}

func TestEngine_NoDrainWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tr.SetConnected(false)

	f.eng.Enqueue(ctx, wire.NewEvent("app.one", nil))
	assert.Empty(t, f.tr.Names())
	assert.False(t, f.eng.Processing())
	assert.Len(t, f.eng.Pending(), 1)

	f.tr.SetConnected(true)
	f.eng.Drain(ctx)
	assert.Equal(t, []string{"app.one"}, f.tr.Names())
}

func TestEngine_NoTransportKeepsQueue(t *testing.T) {
	eng := New(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	eng.Enqueue(context.Background(), wire.NewEvent("app.one", nil))
	assert.Len(t, eng.Pending(), 1)
	assert.False(t, eng.Processing())
}

func TestEngine_SendFailureDropsEvent(t *testing.T) {
	f := newFixture(t)
	f.tr.FailNextSend(1)

	f.eng.Enqueue(context.Background(), wire.NewEvent("app.lost", nil), wire.NewEvent("app.next", nil))

	assert.Equal(t, []string{"app.next"}, f.tr.Names())
	s, ok := f.steps.find(StepSendFailed)
	require.True(t, ok)
	assert.Equal(t, "app.lost", s.Event)
}

func TestEngine_ClosedRejectsEnqueue(t *testing.T) {
	f := newFixture(t)
	f.eng.Close()

	f.eng.Enqueue(context.Background(), wire.NewEvent("app.one", nil))
	assert.Empty(t, f.tr.Names())
	assert.Empty(t, f.eng.Pending())
}

func TestEngine_InflightTimeoutReleasesGate(t *testing.T) {
	f := newFixture(t, WithInflightTimeout(20*time.Millisecond))

	f.eng.Enqueue(context.Background(), wire.NewEvent("app.slow", nil), wire.NewEvent("app.next", nil))
	require.Equal(t, []string{"app.slow"}, f.tr.Names())

	require.Eventually(t, func() bool {
		return len(f.tr.Names()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.steps.kinds(), StepTimeout)
}

func TestEngine_StaleTimeoutDoesNotReleaseNewerDispatch(t *testing.T) {
	eng := New(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	gen1, ok := eng.acquire()
	require.True(t, ok)
	require.True(t, eng.releaseGen(gen1))

	gen2, ok := eng.acquire()
	require.True(t, ok)
	require.NotEqual(t, gen1, gen2)

	eng.expire(ctx, gen1)
	assert.True(t, eng.Processing(), "timer armed for an earlier dispatch fired late")

	eng.expire(ctx, gen2)
	assert.False(t, eng.Processing())
}

func TestEngine_GateAcquireIsExclusive(t *testing.T) {
	eng := New(nil)

	_, ok := eng.acquire()
	require.True(t, ok)
	_, ok = eng.acquire()
	assert.False(t, ok)

	gen, held := eng.hold()
	assert.False(t, held, "hold joins the current holder")
	require.True(t, eng.releaseGen(gen))
	assert.False(t, eng.Processing())
	_, ok = eng.acquire()
	assert.True(t, ok)
}

func TestEngine_UnsolicitedPartialUpdateHoldsGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reply(t, `{"delta":{"app.feed":{"items":[1]}},"events":[],"final":false}`)
	assert.True(t, f.eng.Processing())

	f.eng.Enqueue(ctx, wire.NewEvent("app.one", nil))
	assert.Empty(t, f.tr.Names())

	f.reply(t, finalEmpty)
	assert.Equal(t, []string{"app.one"}, f.tr.Names())
}

func TestEngine_OnConnectResetsGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.eng.Enqueue(ctx, wire.NewEvent("app.one", nil), wire.NewEvent("app.two", nil))
	require.Equal(t, []string{"app.one"}, f.tr.Names())

	f.eng.OnConnect(ctx)
	assert.Equal(t, []string{"app.one", "app.two"}, f.tr.Names())
	assert.Contains(t, f.steps.kinds(), StepReset)
}

func TestEngine_OnConnectReleasesUnsolicitedPartialHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reply(t, `{"delta":{"app.feed":{"items":[1]}},"events":[],"final":false}`)
	f.eng.Enqueue(ctx, wire.NewEvent("app.one", nil))
	require.Empty(t, f.tr.Names())

	f.eng.OnConnect(ctx)
	assert.Equal(t, []string{"app.one"}, f.tr.Names())
}

// blockingDownloader parks every download until release is closed.
type blockingDownloader struct {
	started chan struct{}
	release chan struct{}
}

func (d *blockingDownloader) Download(ctx context.Context, _, _ string) error {
	close(d.started)
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return nil
}

func TestEngine_OnConnectKeepsLocalDispatchExclusive(t *testing.T) {
	dl := &blockingDownloader{started: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithEffects(Effects{Downloader: dl}))
	ctx := context.Background()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		f.eng.Enqueue(ctx,
			wire.NewEvent(NameDownload, map[string]any{"url": "/f.csv"}),
			wire.NewEvent("app.after", nil))
	}()
	<-dl.started
	require.True(t, f.eng.Processing())

	// A reconnect while the download still runs must not hand the gate to a
	// second dispatcher.
	f.eng.OnConnect(ctx)
	assert.Empty(t, f.tr.Names())
	assert.True(t, f.eng.Processing())

	close(dl.release)
	<-drained
	assert.Equal(t, []string{"app.after"}, f.tr.Names())
}

func TestEngine_OnConnectRacingDrainNeverOverlapsDispatch(t *testing.T) {
	for i := 0; i < 50; i++ {
		dl := &blockingDownloader{started: make(chan struct{}), release: make(chan struct{})}
		var downloading atomic.Bool
		var overlaps atomic.Int32
		var sent []string
		var sentMu sync.Mutex
		f := newFixture(t,
			WithEffects(Effects{Downloader: downloaderFunc(func(ctx context.Context, url, name string) error {
				downloading.Store(true)
				defer downloading.Store(false)
				return dl.Download(ctx, url, name)
			})}),
			WithObserver(func(s Step) {
				if s.Kind != StepSend {
					return
				}
				if downloading.Load() {
					overlaps.Add(1)
				}
				sentMu.Lock()
				sent = append(sent, s.Event)
				sentMu.Unlock()
			}),
		)
		ctx := context.Background()

		drained := make(chan struct{})
		go func() {
			defer close(drained)
			f.eng.Enqueue(ctx,
				wire.NewEvent(NameDownload, map[string]any{"url": "/f.csv"}),
				wire.NewEvent("app.one", nil),
				wire.NewEvent("app.two", nil))
		}()
		<-dl.started

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				if j%2 == 1 {
					<-dl.release
				}
				f.eng.OnConnect(ctx)
			}(j)
		}
		close(dl.release)
		wg.Wait()
		<-drained

		require.Zero(t, overlaps.Load(), "a send ran while the download held the gate")
		sentMu.Lock()
		require.NotEmpty(t, sent)
		assert.Equal(t, []string{"app.one", "app.two"}[:len(sent)], sent, "events go out once, in order")
		sentMu.Unlock()
	}
}

type downloaderFunc func(ctx context.Context, url, filename string) error

func (f downloaderFunc) Download(ctx context.Context, url, filename string) error {
	return f(ctx, url, filename)
}

func TestEngine_OnMessageDropsMalformedFrames(t *testing.T) {
	f := newFixture(t)
	f.eng.OnMessage(context.Background(), []byte(`not json`))
	assert.Empty(t, f.steps.kinds())

	assert.Error(t, f.eng.HandleMessage(context.Background(), []byte(`[1,2]`)))
}

func TestEngine_PersistsEveryDelta(t *testing.T) {
	st := &testutil.Storage{}
	f := newFixture(t, WithClientStorage(st))

	f.reply(t, `{"delta":{"state":{"theme":"dark"}},"events":[],"final":false}`)
	f.reply(t, `{"delta":{"state":{"theme":"light"}},"events":[],"final":true}`)

	calls := st.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "persist", calls[0].Op)
	assert.Equal(t, "light", calls[1].Delta["state"]["theme"])
}

func TestEngine_RemoveCookieReenqueuesInitialEvents(t *testing.T) {
	st := &testutil.Storage{}
	boot := testutil.Bootstrap{Initial: []wire.Event{wire.NewEvent("state.hydrate", nil)}}
	f := newFixture(t, WithClientStorage(st), WithBootstrap(boot))

	f.eng.Enqueue(context.Background(), wire.NewEvent(NameRemoveCookie, map[string]any{"key": "session"}))

	assert.Equal(t, []string{"state.hydrate"}, f.tr.Names(), "special events never reach the transport")
	require.Len(t, st.Calls(), 1)
	assert.Equal(t, testutil.StorageCall{Op: "remove_cookie", Key: "session"}, st.Calls()[0])
}

func TestEngine_LocalStorageSpecials(t *testing.T) {
	st := &testutil.Storage{}
	f := newFixture(t, WithClientStorage(st))

	f.eng.Enqueue(context.Background(),
		wire.NewEvent(NameRemoveLocalStorage, map[string]any{"key": "theme"}),
		wire.NewEvent(NameClearLocalStorage, nil),
	)

	ops := []string{}
	for _, c := range st.Calls() {
		ops = append(ops, c.Op+":"+c.Key)
	}
	assert.Equal(t, []string{"remove_local:theme", "clear_local:"}, ops)
	assert.False(t, f.eng.Processing())
}

func TestEngine_LocalEffects(t *testing.T) {
	fx := &testutil.Effects{}
	f := newFixture(t, WithEffects(Effects{
		Opener: fx, Console: fx, Clipboard: fx, Downloader: fx, Alerter: fx,
	}))

	f.eng.Enqueue(context.Background(),
		wire.NewEvent(NameConsoleLog, map[string]any{"message": "hello"}),
		wire.NewEvent(NameSetClipboard, map[string]any{"content": "copied"}),
		wire.NewEvent(NameDownload, map[string]any{"url": "/f.csv", "filename": "g.csv"}),
		wire.NewEvent(NameAlert, map[string]any{"message": "careful"}),
		wire.NewEvent(NameRedirect, map[string]any{"path": "https://example.com", "external": true}),
		wire.NewEvent("app.after", nil),
	)

	assert.Equal(t, []testutil.Effect{
		{Kind: "console", Arg: "hello"},
		{Kind: "clipboard", Arg: "copied"},
		{Kind: "download", Arg: "/f.csv", Arg2: "g.csv"},
		{Kind: "alert", Arg: "careful"},
		{Kind: "open", Arg: "https://example.com"},
	}, fx.All())
	assert.Equal(t, []string{"app.after"}, f.tr.Names())
}

func TestEngine_FailedSpecialsDoNotStallQueue(t *testing.T) {
	fx := &testutil.Effects{Err: errors.New("no clipboard")}
	f := newFixture(t, WithEffects(Effects{Clipboard: fx}))

	f.eng.Enqueue(context.Background(),
		wire.NewEvent("_teleport", nil),
		wire.NewEvent(NameSetClipboard, map[string]any{"content": "x"}),
		wire.NewEvent(NameAlert, map[string]any{"message": "no alerter configured"}),
		wire.NewEvent(NameSetFocus, map[string]any{}),
		wire.Event{Name: "app.weird", Handler: "somethingElse"},
		wire.NewEvent("app.after", nil),
	)

	assert.Equal(t, []string{"app.after"}, f.tr.Names())
	dropped := 0
	for _, k := range f.steps.kinds() {
		if k == StepDropped {
			dropped++
		}
	}
	assert.Equal(t, 3, dropped, "unknown special, missing ref field and unknown handler")
}

func TestEngine_InternalRedirectRunsOnLoadEvents(t *testing.T) {
	r, err := route.NewMemoryRouter("/")
	require.NoError(t, err)
	boot := testutil.Bootstrap{OnLoad: []wire.Event{wire.NewEvent("state.on_load", nil)}}
	f := newFixture(t, WithEffects(Effects{Router: r}), WithBootstrap(boot))

	f.eng.Enqueue(context.Background(), wire.NewEvent(NameRedirect, map[string]any{"path": "/docs?page=2"}))

	assert.Equal(t, "/docs", r.Current().Pathname)
	sent, ok := f.tr.Last()
	require.True(t, ok)
	assert.Equal(t, "state.on_load", sent.Name)
	assert.Equal(t, "/docs", sent.Router.Pathname, "on-load events see the new route")
}

func TestEngine_RefSpecials(t *testing.T) {
	reg := refs.NewRegistry()
	field := &refs.Field{}
	reg.Register("ref_name", field)
	f := newFixture(t, WithEffects(Effects{Refs: reg}))

	f.eng.Enqueue(context.Background(),
		wire.NewEvent(NameSetFocus, map[string]any{"ref": "ref_name"}),
		wire.NewEvent(NameSetValue, map[string]any{"ref": "ref_name", "value": "Ada"}),
		wire.NewEvent(NameSetFocus, map[string]any{"ref": "ref_missing"}),
	)

	assert.True(t, field.Focused())
	assert.Equal(t, "Ada", field.Value())
}

func TestEngine_CallScriptEnqueuesCallback(t *testing.T) {
	r, err := route.NewMemoryRouter("/home")
	require.NoError(t, err)

	var seen map[string]any
	script := testutil.ScriptFunc(func(_ context.Context, expr string, vars map[string]any) (any, error) {
		seen = vars
		return "ran " + expr, nil
	})
	f := newFixture(t, WithEffects(Effects{Router: r, Script: script}))
	f.reply(t, `{"delta":{"app":{"n":1}},"events":[],"final":true}`)

	f.eng.Enqueue(context.Background(), wire.NewEvent(NameCallScript, map[string]any{
		"javascript_code": "state.app.n",
		"callback":        "app.on_result",
	}))

	sent, ok := f.tr.Last()
	require.True(t, ok)
	assert.Equal(t, "app.on_result", sent.Name)
	assert.Equal(t, "ran state.app.n", sent.Payload["result"])

	require.NotNil(t, seen)
	assert.Len(t, seen, 2, "scripts see only state and router")
	assert.Equal(t, map[string]any{"app": map[string]any{"n": int64(1)}}, seen["state"])
	assert.Equal(t, "/home", seen["router"].(map[string]any)["pathname"])
}

func TestEngine_UploadRoutedToStreamer(t *testing.T) {
	uploads := &testutil.Uploads{}
	f := newFixture(t, WithUploads(uploads))

	ev := wire.Event{
		Name:    "app.files.handle_upload",
		Handler: wire.HandlerUploadFiles,
		Payload: map[string]any{"files": []any{"/tmp/a.txt", "/tmp/b.txt"}, "upload_id": "u1"},
	}
	f.eng.Enqueue(context.Background(), ev, wire.NewEvent("app.after", nil))

	reqs := uploads.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "app.files.handle_upload", reqs[0].Handler)
	assert.Equal(t, []string{"/tmp/a.txt", "/tmp/b.txt"}, reqs[0].Files)
	assert.Equal(t, "u1", reqs[0].UploadID)
	assert.Nil(t, reqs[0].OnProgress)

	assert.Empty(t, f.tr.Names(), "a running upload holds the gate")
	assert.True(t, f.eng.Processing())
	s, ok := f.steps.find(StepUpload)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"upload_id": "u1", "started": true}, s.Detail)

	require.NoError(t, f.eng.HandleUploadLine(context.Background(), []byte(finalEmpty)))
	assert.Equal(t, []string{"app.after"}, f.tr.Names())
}

func TestEngine_RejectedUploadReleasesGate(t *testing.T) {
	uploads := &testutil.Uploads{}
	uploads.Reject()
	f := newFixture(t, WithUploads(uploads))

	f.eng.Enqueue(context.Background(), wire.Event{
		Name:    "app.files.handle_upload",
		Handler: wire.HandlerUploadFiles,
		Payload: map[string]any{"files": []any{"/tmp/a.txt"}, "upload_id": "u1"},
	}, wire.NewEvent("app.after", nil))

	assert.Equal(t, []string{"app.after"}, f.tr.Names())
	s, ok := f.steps.find(StepUpload)
	require.True(t, ok)
	assert.Equal(t, false, s.Detail["started"])
}

func TestEngine_UploadDoneReleasesGate(t *testing.T) {
	tests := []struct {
		name   string
		result upload.Result
	}{
		{"failed", upload.Result{UploadID: "u1", Err: errors.New("connection refused")}},
		{"no final line", upload.Result{UploadID: "u1", Lines: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploads := &testutil.Uploads{}
			f := newFixture(t, WithUploads(uploads))
			ctx := context.Background()

			f.eng.Enqueue(ctx, wire.Event{
				Name:    "app.files.handle_upload",
				Handler: wire.HandlerUploadFiles,
				Payload: map[string]any{"files": []any{"/tmp/a.txt"}, "upload_id": "u1"},
			}, wire.NewEvent("app.after", nil))
			require.NoError(t, f.eng.HandleUploadLine(ctx, []byte(`{"delta":{"app.files":{"count":1}},"events":[],"final":false}`)))
			require.Empty(t, f.tr.Names())

			f.eng.UploadDone(ctx, upload.Result{UploadID: "other"})
			require.Empty(t, f.tr.Names(), "another upload's result leaves the gate alone")

			f.eng.UploadDone(ctx, tt.result)
			assert.Equal(t, []string{"app.after"}, f.tr.Names())
			s, ok := f.steps.find(StepUploadDone)
			require.True(t, ok)
			assert.Equal(t, tt.result.Err != nil, s.Detail["failed"])
		})
	}
}

func TestEngine_UploadDoneAfterFinalLineIsNoOp(t *testing.T) {
	uploads := &testutil.Uploads{}
	f := newFixture(t, WithUploads(uploads))
	ctx := context.Background()

	f.eng.Enqueue(ctx, wire.Event{
		Name:    "app.files.handle_upload",
		Handler: wire.HandlerUploadFiles,
		Payload: map[string]any{"files": []any{"/tmp/a.txt"}, "upload_id": "u1"},
	}, wire.NewEvent("app.one", nil), wire.NewEvent("app.two", nil))
	require.NoError(t, f.eng.HandleUploadLine(ctx, []byte(finalEmpty)))
	require.Equal(t, []string{"app.one"}, f.tr.Names())

	f.eng.UploadDone(ctx, upload.Result{UploadID: "u1", Lines: 1})
	assert.True(t, f.eng.Processing(), "app.one still awaits its reply")
	assert.Equal(t, []string{"app.one"}, f.tr.Names())
	_, ok := f.steps.find(StepUploadDone)
	assert.False(t, ok)
}

func TestEngine_UploadDefaultsAndProgress(t *testing.T) {
	uploads := &testutil.Uploads{}
	f := newFixture(t, WithUploads(uploads))

	f.eng.Enqueue(context.Background(), wire.Event{
		Name:    "app.files.handle_upload",
		Handler: wire.HandlerUploadFiles,
		Payload: map[string]any{"files": []any{"/tmp/a.txt"}, "on_upload_progress": "app.files.on_progress"},
	})

	reqs := uploads.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultUploadID, reqs[0].UploadID)
	require.NotNil(t, reqs[0].OnProgress)

	reqs[0].OnProgress(upload.Progress{UploadID: DefaultUploadID, Loaded: 4, Total: 8})
	assert.Empty(t, f.tr.Names(), "progress waits for the upload to finish")

	require.NoError(t, f.eng.HandleUploadLine(context.Background(), []byte(finalEmpty)))
	sent, ok := f.tr.Last()
	require.True(t, ok)
	assert.Equal(t, "app.files.on_progress", sent.Name)
	assert.Equal(t, 0.5, sent.Payload["progress"])
	assert.Equal(t, int64(4), sent.Payload["loaded"])
}

func TestEngine_EmptyUploadGoesOverConnection(t *testing.T) {
	uploads := &testutil.Uploads{}
	f := newFixture(t, WithUploads(uploads))

	f.eng.Enqueue(context.Background(), wire.Event{
		Name:    "app.files.handle_upload",
		Handler: wire.HandlerUploadFiles,
		Payload: map[string]any{"files": []any{}},
	})

	assert.Empty(t, uploads.Requests())
	sent, ok := f.tr.Last()
	require.True(t, ok)
	assert.Equal(t, "app.files.handle_upload", sent.Name)
	assert.Empty(t, sent.Handler)
	assert.Empty(t, sent.Payload)
	assert.True(t, f.eng.Processing(), "the handler runs as a normal event")
}

func TestEngine_InvalidUploadPayloadDropped(t *testing.T) {
	uploads := &testutil.Uploads{}
	f := newFixture(t, WithUploads(uploads))

	f.eng.Enqueue(context.Background(), wire.Event{
		Name:    "app.files.handle_upload",
		Handler: wire.HandlerUploadFiles,
		Payload: map[string]any{"files": []any{"/tmp/a", int64(3)}},
	}, wire.NewEvent("app.after", nil))

	assert.Empty(t, uploads.Requests())
	assert.Equal(t, []string{"app.after"}, f.tr.Names())
}

func TestEngine_UploadLinesDriveGate(t *testing.T) {
	uploads := &testutil.Uploads{}
	f := newFixture(t, WithUploads(uploads))
	ctx := context.Background()

	f.eng.Enqueue(ctx, wire.Event{
		Name:    "app.files.handle_upload",
		Handler: wire.HandlerUploadFiles,
		Payload: map[string]any{"files": []any{"/tmp/a.txt", "/tmp/b.txt"}, "upload_id": "u1"},
	}, wire.NewEvent("app.after", nil))

	require.NoError(t, f.eng.HandleUploadLine(ctx, []byte(`{"delta":{"app.files":{"count":1}},"events":[],"final":false}`)))
	assert.True(t, f.eng.Processing())
	assert.Empty(t, f.tr.Names())

	require.NoError(t, f.eng.HandleUploadLine(ctx, []byte(`{"delta":{"app.files":{"count":2}},"events":[],"final":true}`)))
	assert.Equal(t, []string{"app.after"}, f.tr.Names())
	v, ok := f.eng.State().Get("app.files", "count")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)

	s, ok := f.steps.find(StepUpdate)
	require.True(t, ok)
	assert.Equal(t, "upload", s.Detail["source"])
}

func TestEngine_ConcurrentProducersKeepOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const producers, each = 4, 25
	total := producers * each

	done := make(chan struct{})
	go func() {
		defer close(done)
		for replied := 0; replied < total; {
			if len(f.tr.Names()) > replied {
				_ = f.eng.HandleMessage(ctx, []byte(finalEmpty))
				replied++
				continue
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				f.eng.Enqueue(ctx, wire.NewEvent(fmt.Sprintf("p%d.e%03d", p, i), nil))
			}
		}(p)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events were not all dispatched")
	}

	names := f.tr.Names()
	require.Len(t, names, total)
	last := map[string]string{}
	for _, n := range names {
		ev := wire.NewEvent(n, nil)
		assert.Less(t, last[ev.Substate()], n)
		last[ev.Substate()] = n
	}
	assert.False(t, f.eng.Processing())
}
