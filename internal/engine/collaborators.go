package engine

import (
	"context"

	"github.com/roach88/syncline/internal/refs"
	"github.com/roach88/syncline/internal/storage"
	"github.com/roach88/syncline/internal/upload"
	"github.com/roach88/syncline/internal/wire"
)

// Transport sends events to the remote processor.
// Implemented by *conn.Manager.
type Transport interface {
	Connected() bool
	Send(ev wire.Event) error
}

// Uploads starts streamed uploads. Implemented by *upload.Streamer.
type Uploads interface {
	Start(ctx context.Context, req upload.Request) bool
}

// ClientStorage is the slice of client storage sync the engine drives.
// Implemented by *clientstorage.Sync.
type ClientStorage interface {
	Persist(ctx context.Context, delta wire.Delta) int
	RemoveCookie(ctx context.Context, name string, opts storage.Options)
	RemoveLocal(ctx context.Context, name string)
	ClearLocal(ctx context.Context)
}

// TokenSource supplies the session token. Implemented by *token.Manager.
type TokenSource interface {
	Token() string
}

// Bootstrap supplies the events an application starts with.
type Bootstrap interface {
	// InitialEvents is the hydrate event followed by the route's on-load
	// events. It is recomputed on every call.
	InitialEvents(ctx context.Context) []wire.Event
	// OnRouteLoadEvents are the events fired after a route change.
	OnRouteLoadEvents() []wire.Event
}

// Router knows the current route and changes it.
type Router interface {
	Current() wire.RouterData
	Push(path string, replace bool) error
}

// Refs resolves element refs. Implemented by *refs.Registry.
type Refs interface {
	Lookup(ref string) (refs.Element, bool)
}

// ScriptEvaluator runs a sandboxed expression over the allowed variables.
type ScriptEvaluator interface {
	Eval(ctx context.Context, expr string, vars map[string]any) (any, error)
}

// Effects are the local side effects special events can trigger. A nil
// member makes the corresponding special event fail with ErrCodeNoEffect.
type Effects struct {
	Router     Router
	Opener     Opener
	Console    Console
	Clipboard  Clipboard
	Downloader Downloader
	Alerter    Alerter
	Refs       Refs
	Script     ScriptEvaluator
}

// Opener leaves the app for an external URL.
type Opener interface {
	Open(url string) error
}

// Console receives _console messages.
type Console interface {
	Log(message string)
}

// Clipboard receives _set_clipboard content.
type Clipboard interface {
	WriteAll(text string) error
}

// Downloader handles _download.
type Downloader interface {
	Download(ctx context.Context, url, filename string) error
}

// Alerter receives _alert messages.
type Alerter interface {
	Alert(message string)
}
