package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/clientstorage"
	"github.com/roach88/syncline/internal/config"
	"github.com/roach88/syncline/internal/devserver"
	"github.com/roach88/syncline/internal/engine"
	"github.com/roach88/syncline/internal/storage"
	"github.com/roach88/syncline/internal/token"
	"github.com/roach88/syncline/internal/upload"
	"github.com/roach88/syncline/internal/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, ts *httptest.Server) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.EventEndpoint = "ws" + strings.TrimPrefix(ts.URL, "http") + devserver.EventPath
	cfg.UploadEndpoint = ts.URL + devserver.UploadPath
	cfg.PageURL = "http://app.test/home"
	cfg.Database = ""
	cfg.DownloadDir = t.TempDir()
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	return cfg
}

func newServer(t *testing.T) (*devserver.Server, *httptest.Server) {
	t.Helper()
	srv := devserver.New(&devserver.Processor{}, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func startClient(t *testing.T, cfg config.Config, opts Options) *Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Tokens == nil {
		opts.Tokens = token.NewFixedGenerator("tok-client")
	}
	c, err := New(cfg, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
		assert.NoError(t, c.Close())
	})
	return c
}

func waitIdle(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))
}

func TestClient_HydratesOnStart(t *testing.T) {
	srv, ts := newServer(t)
	c := startClient(t, testConfig(t, ts), Options{})
	waitIdle(t, c)

	v, ok := c.State().Get("state", "is_hydrated")
	require.True(t, ok)
	assert.Equal(t, true, v)

	received := srv.Processor().Received()
	require.NotEmpty(t, received)
	assert.Equal(t, "state.hydrate", received[0].Name)
	assert.Equal(t, "tok-client", received[0].Token)
	require.NotNil(t, received[0].Router)
	assert.Equal(t, "/home", received[0].Router.Pathname)
}

func TestClient_SetCount(t *testing.T) {
	_, ts := newServer(t)
	c := startClient(t, testConfig(t, ts), Options{})
	waitIdle(t, c)

	c.Enqueue(wire.NewEvent("app.counter.set_count", map[string]any{"value": int64(5)}))
	waitIdle(t, c)

	v, ok := c.State().Get("app.counter", "count")
	require.True(t, ok)
	assert.Equal(t, int64(5), v)
}

func TestClient_StreamedUpdatesAndFollowUps(t *testing.T) {
	var (
		mu    sync.Mutex
		sends int
	)
	observer := func(s engine.Step) {
		if s.Kind == engine.StepSend {
			mu.Lock()
			sends++
			mu.Unlock()
		}
	}
	srv, ts := newServer(t)
	c := startClient(t, testConfig(t, ts), Options{Observer: observer})
	waitIdle(t, c)

	c.Enqueue(
		wire.NewEvent("app.feed.stream_item", map[string]any{"values": []any{"a", "b", "c"}}),
		wire.NewEvent("app.trigger", map[string]any{"events": []any{
			map[string]any{"name": "app.feed.set_done", "payload": map[string]any{"value": true}},
		}}),
	)
	waitIdle(t, c)

	v, _ := c.State().Get("app.feed", "item")
	assert.Equal(t, "c", v)
	done, _ := c.State().Get("app.feed", "done")
	assert.Equal(t, true, done)

	names := []string{}
	for _, ev := range srv.Processor().Received() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"state.hydrate", "app.feed.stream_item", "app.trigger", "app.feed.set_done"}, names)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, sends)
}

func TestClient_Upload(t *testing.T) {
	results := make(chan upload.Result, 1)
	_, ts := newServer(t)
	c := startClient(t, testConfig(t, ts), Options{OnUpload: func(r upload.Result) { results <- r }})
	waitIdle(t, c)

	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpegbytes"), 0o644))
	c.Upload("app.files.handle_upload", "", path)

	select {
	case r := <-results:
		require.NoError(t, r.Err)
		assert.Equal(t, engine.DefaultUploadID, r.UploadID)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish")
	}
	v, ok := c.State().Get("app.files", "last_file")
	require.True(t, ok)
	assert.Equal(t, "photo.jpg", v)
}

func TestClient_FailedUploadReleasesQueue(t *testing.T) {
	results := make(chan upload.Result, 1)
	srv, ts := newServer(t)
	cfg := testConfig(t, ts)
	cfg.UploadEndpoint = ts.URL + "/no-such-upload"
	c := startClient(t, cfg, Options{OnUpload: func(r upload.Result) { results <- r }})
	waitIdle(t, c)

	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpegbytes"), 0o644))
	c.Upload("app.files.handle_upload", "", path)
	c.Enqueue(wire.NewEvent("app.after", nil))

	select {
	case r := <-results:
		require.Error(t, r.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish")
	}
	waitIdle(t, c)

	var names []string
	for _, ev := range srv.Processor().Received() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "app.after")
}

func TestClient_PersistsAndHydratesCookies(t *testing.T) {
	_, ts := newServer(t)
	cfg := testConfig(t, ts)
	cfg.Database = filepath.Join(t.TempDir(), "storage.db")
	cfg.ClientStorage = clientstorage.Config{
		Cookies: map[string]clientstorage.CookieConfig{"state.theme": {Name: "theme"}},
	}

	c := startClient(t, cfg, Options{})
	waitIdle(t, c)
	c.Enqueue(wire.NewEvent("state.set_theme", map[string]any{"value": "dark"}))
	waitIdle(t, c)

	db, err := storage.Open(cfg.Database)
	require.NoError(t, err)
	defer db.Close()
	got, ok, err := db.Cookies().Get(context.Background(), "theme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dark", got)
}

func TestClient_RemoveCookieRehydrates(t *testing.T) {
	var removed []string
	srv, ts := newServer(t)
	c := startClient(t, testConfig(t, ts), Options{})
	waitIdle(t, c)

	c.Enqueue(wire.NewEvent(engine.NameRemoveCookie, map[string]any{"key": "session"}))
	waitIdle(t, c)

	for _, ev := range srv.Processor().Received() {
		removed = append(removed, ev.Name)
	}
	assert.Equal(t, []string{"state.hydrate", "state.hydrate"}, removed)
}

func TestClient_InternalRedirect(t *testing.T) {
	srv, ts := newServer(t)
	cfg := testConfig(t, ts)
	cfg.OnLoadEvents = []string{"state.on_load"}

	c := startClient(t, cfg, Options{})
	waitIdle(t, c)

	c.Enqueue(wire.NewEvent(engine.NameRedirect, map[string]any{"path": "/docs"}))
	waitIdle(t, c)

	assert.Equal(t, "/docs", c.Router().Current().Pathname)

	last := srv.Processor().Received()
	require.NotEmpty(t, last)
	assert.Equal(t, "state.on_load", last[len(last)-1].Name)
	assert.Equal(t, "/docs", last[len(last)-1].Router.Pathname)
}

func TestBootstrap(t *testing.T) {
	cookies := storage.NewMemory()
	require.NoError(t, cookies.Set(context.Background(), "theme", "dark", storage.Options{}))
	cs := clientstorage.New(clientstorage.Config{
		Cookies: map[string]clientstorage.CookieConfig{"state.theme": {Name: "theme"}},
	}, cookies, storage.NewMemory(), quietLogger())

	b := &Bootstrap{HydrateEvent: "state.hydrate", OnLoad: []string{"state.on_load"}, Storage: cs}

	initial := b.InitialEvents(context.Background())
	require.Len(t, initial, 2)
	assert.Equal(t, "state.hydrate", initial[0].Name)
	assert.Equal(t, map[string]any{"state.theme": "dark"}, initial[0].Payload)
	assert.Equal(t, "state.on_load", initial[1].Name)
	assert.Equal(t, map[string]any{}, initial[1].Payload)

	onLoad := b.OnRouteLoadEvents()
	require.Len(t, onLoad, 1)
}

func TestInitialRoute(t *testing.T) {
	assert.Equal(t, "/", initialRoute(""))
	assert.Equal(t, "/", initialRoute("http://app.test"))
	assert.Equal(t, "/docs?tab=2", initialRoute("http://app.test/docs?tab=2"))
}
