// Package conn owns the websocket connection to the remote processor.
//
// Manager dials the event endpoint, reads inbound frames and hands them to a
// Handler, and sends outbound events. Run keeps the connection alive: after a
// disconnect it redials with capped exponential backoff.
//
// Connection errors are kept in an ordered list (Errors). The list is cleared
// on every successful connect.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/syncline/internal/wire"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("not connected")

// Handler receives connection lifecycle callbacks.
//
// OnMessage runs on the read loop goroutine; the next frame is not read until
// it returns.
type Handler interface {
	OnConnect(ctx context.Context)
	OnConnectError(ctx context.Context, err error)
	OnMessage(ctx context.Context, raw []byte)
}

// Config configures a Manager.
type Config struct {
	Endpoint      string
	PageURL       string
	Dialer        *websocket.Dialer
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	PingInterval  time.Duration
	Logger        *slog.Logger
}

// Manager is the client side of the event websocket.
type Manager struct {
	endpoint string
	dialer   *websocket.Dialer
	handler  Handler
	logger   *slog.Logger
	base     time.Duration
	max      time.Duration
	ping     time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	errMu sync.Mutex
	errs  []error
}

// New returns a Manager for the resolved event endpoint.
func New(cfg Config, h Handler) (*Manager, error) {
	endpoint, err := ResolveEndpoint(cfg.Endpoint, cfg.PageURL)
	if err != nil {
		return nil, err
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		endpoint: endpoint,
		dialer:   cfg.Dialer,
		handler:  h,
		logger:   cfg.Logger,
		base:     cfg.ReconnectBase,
		max:      cfg.ReconnectMax,
		ping:     cfg.PingInterval,
	}, nil
}

// Endpoint returns the resolved websocket URL.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// Connect dials once. On success the error list is cleared and OnConnect is
// called; on failure the error is appended and OnConnectError is called.
func (m *Manager) Connect(ctx context.Context) error {
	c, resp, err := m.dialer.DialContext(ctx, m.endpoint, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: status %d: %w", m.endpoint, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("dial %s: %w", m.endpoint, err)
		}
		m.appendError(err)
		if m.handler != nil {
			m.handler.OnConnectError(ctx, err)
		}
		return err
	}

	m.connMu.Lock()
	m.conn = c
	m.connMu.Unlock()

	m.errMu.Lock()
	m.errs = nil
	m.errMu.Unlock()

	m.logger.Info("connected", "endpoint", m.endpoint)
	if m.handler != nil {
		m.handler.OnConnect(ctx)
	}
	return nil
}

// Serve reads frames until the connection closes or ctx is done. A normal
// close returns nil.
func (m *Manager) Serve(ctx context.Context) error {
	m.connMu.Lock()
	c := m.conn
	m.connMu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	defer m.drop(c)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go m.keepAlive(ctx, c, pingDone)

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		if m.handler != nil {
			m.handler.OnMessage(ctx, raw)
		}
	}
}

// Run connects and serves until ctx is done, redialing after every
// disconnect or failed dial.
func (m *Manager) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := m.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := calculateBackoff(failures, m.base, m.max)
			failures++
			m.logger.Warn("connection failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		if err := m.Serve(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("disconnected", "error", err)
			m.appendError(err)
		} else {
			m.logger.Info("connection closed by server")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.base):
		}
	}
}

// Send writes one event as a text frame.
func (m *Manager) Send(ev wire.Event) error {
	m.connMu.Lock()
	c := m.conn
	m.connMu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	data, err := wire.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Name, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send event %s: %w", ev.Name, err)
	}
	return nil
}

// Connected reports whether a connection is open.
func (m *Manager) Connected() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn != nil
}

// Errors returns the connection errors since the last successful connect,
// oldest first.
func (m *Manager) Errors() []error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return append([]error(nil), m.errs...)
}

// Close sends a close frame and closes the connection.
func (m *Manager) Close() error {
	m.connMu.Lock()
	c := m.conn
	m.conn = nil
	m.connMu.Unlock()
	if c == nil {
		return nil
	}

	m.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "client shutting down")
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	m.writeMu.Unlock()
	return c.Close()
}

func (m *Manager) appendError(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.errs = append(m.errs, err)
}

// drop forgets c if it is still the current connection.
func (m *Manager) drop(c *websocket.Conn) {
	m.connMu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	m.connMu.Unlock()
	_ = c.Close()
}

func (m *Manager) keepAlive(ctx context.Context, c *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.ping)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
