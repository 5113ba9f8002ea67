// Package client wires the event engine to its transport, storage and local
// effects.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncline/internal/clientstorage"
	"github.com/roach88/syncline/internal/config"
	"github.com/roach88/syncline/internal/conn"
	"github.com/roach88/syncline/internal/effects"
	"github.com/roach88/syncline/internal/engine"
	"github.com/roach88/syncline/internal/refs"
	"github.com/roach88/syncline/internal/route"
	"github.com/roach88/syncline/internal/script"
	"github.com/roach88/syncline/internal/state"
	"github.com/roach88/syncline/internal/storage"
	"github.com/roach88/syncline/internal/token"
	"github.com/roach88/syncline/internal/upload"
	"github.com/roach88/syncline/internal/wire"
)

// Options configures a Client beyond its Config.
type Options struct {
	// Tokens generates the session token. Defaults to UUID v4.
	Tokens token.Generator
	// InMemoryStorage keeps cookies and local storage in memory instead of
	// the configured database.
	InMemoryStorage bool
	// Effects, when set, adjusts the default local effects before use.
	Effects func(*engine.Effects)
	// Observer receives every engine step.
	Observer func(engine.Step)
	// OnUpload receives every finished upload.
	OnUpload func(upload.Result)
	Logger   *slog.Logger
}

// Client is a running event session.
type Client struct {
	cfg    config.Config
	logger *slog.Logger

	db      *storage.DB
	state   *state.Store
	tokens  *token.Manager
	router  *route.MemoryRouter
	refs    *refs.Registry
	storage *clientstorage.Sync
	watcher *clientstorage.Watcher
	boot    *Bootstrap
	uploads *upload.Streamer
	engine  *engine.Engine
	conn    *conn.Manager

	observer func(engine.Step)
	onUpload func(upload.Result)
	stepped  chan struct{}

	ctxMu sync.Mutex
	ctx   context.Context
}

// New assembles a client. Nothing connects until Run.
func New(cfg config.Config, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		state:    state.NewStore(),
		tokens:   token.NewManager(opts.Tokens),
		refs:     refs.NewRegistry(),
		observer: opts.Observer,
		onUpload: opts.OnUpload,
		stepped:  make(chan struct{}, 1),
		ctx:      context.Background(),
	}

	var cookies, local storage.Backend
	if opts.InMemoryStorage || cfg.Database == "" {
		cookies, local = storage.NewMemory(), storage.NewMemory()
	} else {
		db, err := storage.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		c.db = db
		cookies, local = db.Cookies(), db.Local()
	}
	c.storage = clientstorage.New(cfg.ClientStorage, cookies, local, logger)

	router, err := route.NewMemoryRouter(initialRoute(cfg.PageURL))
	if err != nil {
		c.closeDB()
		return nil, fmt.Errorf("initial route: %w", err)
	}
	c.router = router

	eval, err := script.New()
	if err != nil {
		c.closeDB()
		return nil, err
	}

	fx := engine.Effects{
		Router:     router,
		Opener:     effects.Opener{Logger: logger},
		Console:    effects.Console{Logger: logger},
		Clipboard:  effects.SystemClipboard{},
		Downloader: &effects.HTTPDownloader{Dir: cfg.DownloadDir, BaseURL: cfg.PageURL, Logger: logger},
		Alerter:    effects.Alerter{Logger: logger},
		Refs:       c.refs,
		Script:     eval,
	}
	if opts.Effects != nil {
		opts.Effects(&fx)
	}

	c.boot = &Bootstrap{HydrateEvent: cfg.HydrateEvent, OnLoad: cfg.OnLoadEvents, Storage: c.storage}

	uploadEndpoint, err := conn.ResolveEndpoint(cfg.UploadEndpoint, cfg.PageURL)
	if err != nil {
		c.closeDB()
		return nil, fmt.Errorf("upload endpoint: %w", err)
	}
	c.uploads = upload.New(upload.Config{
		Endpoint: uploadEndpoint,
		Tokens:   c.tokens,
		Deliver: func(ctx context.Context, line []byte) error {
			return c.engine.HandleUploadLine(ctx, line)
		},
		OnDone: c.uploadDone,
		Logger: logger,
	})

	c.engine = engine.New(c.state,
		engine.WithClientStorage(c.storage),
		engine.WithUploads(c.uploads),
		engine.WithTokens(c.tokens),
		engine.WithBootstrap(c.boot),
		engine.WithEffects(fx),
		engine.WithInflightTimeout(cfg.InflightTimeout),
		engine.WithObserver(c.observe),
		engine.WithLogger(logger),
	)

	c.conn, err = conn.New(conn.Config{
		Endpoint:      cfg.EventEndpoint,
		PageURL:       cfg.PageURL,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
		Logger:        logger,
	}, c.engine)
	if err != nil {
		c.closeDB()
		return nil, fmt.Errorf("event endpoint: %w", err)
	}
	c.engine.SetTransport(c.conn)

	if c.db != nil {
		c.watcher = clientstorage.NewWatcher(c.storage, c.db.Path(), cfg.StorageUpdateEvent, func(events ...wire.Event) {
			c.engine.Enqueue(c.context(), events...)
		}, logger)
	}
	return c, nil
}

// Run enqueues the initial events, then connects and serves until ctx is
// done, redialing after disconnects. Returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	c.ctxMu.Lock()
	c.ctx = ctx
	c.ctxMu.Unlock()

	c.engine.Enqueue(ctx, c.boot.InitialEvents(ctx)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.conn.Run(gctx)
	})
	if c.watcher != nil && c.watcher.Enabled() {
		g.Go(func() error {
			return c.watcher.Run(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Enqueue queues events for dispatch.
func (c *Client) Enqueue(events ...wire.Event) {
	c.engine.Enqueue(c.context(), events...)
}

// Upload queues an uploadFiles event for handler.
func (c *Client) Upload(handler, uploadID string, files ...string) {
	payload := map[string]any{"files": toAnySlice(files)}
	if uploadID != "" {
		payload["upload_id"] = uploadID
	}
	c.Enqueue(wire.Event{Name: handler, Handler: wire.HandlerUploadFiles, Payload: payload})
}

// WaitIdle blocks until the websocket is connected, the queue is empty and
// nothing awaits a reply.
func (c *Client) WaitIdle(ctx context.Context) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.conn.Connected() && !c.engine.Processing() && len(c.engine.Pending()) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stepped:
		case <-tick.C:
		}
	}
}

// State is the local copy of the remote state.
func (c *Client) State() *state.Store { return c.state }

// Refs registers elements for _set_focus and _set_value.
func (c *Client) Refs() *refs.Registry { return c.refs }

// Router is the current route.
func (c *Client) Router() *route.MemoryRouter { return c.router }

// Token is the session token.
func (c *Client) Token() string { return c.tokens.Token() }

// Uploads exposes running uploads for cancellation.
func (c *Client) Uploads() *upload.Streamer { return c.uploads }

// Engine exposes the event engine.
func (c *Client) Engine() *engine.Engine { return c.engine }

// Connected reports whether the websocket is up.
func (c *Client) Connected() bool { return c.conn.Connected() }

// Close stops the engine, waits for uploads and closes the connection and
// the storage database.
func (c *Client) Close() error {
	c.engine.Close()
	c.uploads.Wait()
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("closing connection", "error", err)
	}
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Client) context() context.Context {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	return c.ctx
}

func (c *Client) observe(s engine.Step) {
	if c.observer != nil {
		c.observer(s)
	}
	select {
	case c.stepped <- struct{}{}:
	default:
	}
}

func (c *Client) uploadDone(r upload.Result) {
	if r.Err != nil {
		c.logger.Warn("upload finished with error", "upload_id", r.UploadID, "lines", r.Lines, "error", r.Err)
	} else {
		c.logger.Info("upload finished", "upload_id", r.UploadID, "lines", r.Lines)
	}
	c.engine.UploadDone(c.context(), r)
	if c.onUpload != nil {
		c.onUpload(r)
	}
}

func (c *Client) closeDB() {
	if c.db != nil {
		c.db.Close()
	}
}

// initialRoute is the path and query of the page URL.
func initialRoute(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
