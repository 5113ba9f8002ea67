package engine

import (
	"fmt"
	"time"

	"github.com/roach88/syncline/internal/storage"
	"github.com/roach88/syncline/internal/wire"
)

// Special event names.
const (
	NameRedirect           = "_redirect"
	NameConsoleLog         = "_console"
	NameRemoveCookie       = "_remove_cookie"
	NameClearLocalStorage  = "_clear_local_storage"
	NameRemoveLocalStorage = "_remove_local_storage"
	NameSetClipboard       = "_set_clipboard"
	NameDownload           = "_download"
	NameAlert              = "_alert"
	NameSetFocus           = "_set_focus"
	NameSetValue           = "_set_value"
	NameCallScript         = "_call_script"
)

// Special is an event handled entirely on the client. The set of variants is
// closed; handleSpecial switches over all of them.
type Special interface {
	special()
}

// Redirect navigates. External targets leave the app; internal ones change
// the route and trigger the route's on-load events.
type Redirect struct {
	Path     string
	External bool
	Replace  bool
}

// ConsoleLog writes a message to the client console.
type ConsoleLog struct {
	Message string
}

// RemoveCookie deletes a cookie by its external name.
type RemoveCookie struct {
	Key     string
	Options storage.Options
}

// ClearLocalStorage deletes every local storage entry.
type ClearLocalStorage struct{}

// RemoveLocalStorage deletes one local storage entry.
type RemoveLocalStorage struct {
	Key string
}

// SetClipboard writes text to the clipboard.
type SetClipboard struct {
	Content string
}

// Download fetches a URL into a file.
type Download struct {
	URL      string
	Filename string
}

// Alert shows a message to the user.
type Alert struct {
	Message string
}

// SetFocus focuses the element registered under Ref.
type SetFocus struct {
	Ref string
}

// SetValue sets the value of the element registered under Ref.
type SetValue struct {
	Ref   string
	Value any
}

// CallScript evaluates a sandboxed expression. When Callback is set, the
// result is enqueued as that event with payload {"result": value}.
type CallScript struct {
	Expression string
	Callback   string
}

func (Redirect) special()           {}
func (ConsoleLog) special()         {}
func (RemoveCookie) special()       {}
func (ClearLocalStorage) special()  {}
func (RemoveLocalStorage) special() {}
func (SetClipboard) special()       {}
func (Download) special()           {}
func (Alert) special()              {}
func (SetFocus) special()           {}
func (SetValue) special()           {}
func (CallScript) special()         {}

// mutatesStorage reports whether handling s changes client storage, after
// which the initial events are enqueued again.
func mutatesStorage(s Special) bool {
	switch s.(type) {
	case RemoveCookie, ClearLocalStorage, RemoveLocalStorage:
		return true
	default:
		return false
	}
}

// ParseSpecial turns a "_"-prefixed event into its typed variant.
func ParseSpecial(ev wire.Event) (Special, error) {
	p := payloadReader{event: ev.Name, payload: ev.Payload}

	var s Special
	switch ev.Name {
	case NameRedirect:
		s = Redirect{Path: p.str("path"), External: p.boolean("external"), Replace: p.boolean("replace")}
	case NameConsoleLog:
		s = ConsoleLog{Message: p.text("message")}
	case NameRemoveCookie:
		s = RemoveCookie{Key: p.str("key"), Options: p.cookieOptions("options")}
	case NameClearLocalStorage:
		s = ClearLocalStorage{}
	case NameRemoveLocalStorage:
		s = RemoveLocalStorage{Key: p.str("key")}
	case NameSetClipboard:
		s = SetClipboard{Content: p.text("content")}
	case NameDownload:
		s = Download{URL: p.str("url"), Filename: p.optionalStr("filename")}
	case NameAlert:
		s = Alert{Message: p.text("message")}
	case NameSetFocus:
		s = SetFocus{Ref: p.str("ref")}
	case NameSetValue:
		s = SetValue{Ref: p.str("ref"), Value: p.payload["value"]}
	case NameCallScript:
		s = CallScript{Expression: p.str("javascript_code"), Callback: p.optionalStr("callback")}
	default:
		return nil, newDispatchError(ErrCodeUnknownSpecial, ev.Name, "unknown special event", nil)
	}
	if p.err != nil {
		return nil, p.err
	}
	return s, nil
}

// payloadReader extracts typed fields and keeps the first error.
type payloadReader struct {
	event   string
	payload map[string]any
	err     error
}

func (p *payloadReader) fail(key, want string, got any) {
	if p.err == nil {
		p.err = newDispatchError(ErrCodeInvalidPayload, p.event,
			fmt.Sprintf("field %q: want %s, got %T", key, want, got), nil)
	}
}

// str reads a required string field.
func (p *payloadReader) str(key string) string {
	v, ok := p.payload[key]
	if !ok || v == nil {
		p.fail(key, "string", nil)
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.fail(key, "string", v)
	}
	return s
}

func (p *payloadReader) optionalStr(key string) string {
	v, ok := p.payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.fail(key, "string", v)
	}
	return s
}

// text reads any scalar and renders it as a string, the way a console or
// alert would display it.
func (p *payloadReader) text(key string) string {
	v, ok := p.payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (p *payloadReader) boolean(key string) bool {
	v, ok := p.payload[key]
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		p.fail(key, "bool", v)
	}
	return b
}

// cookieOptions accepts both camelCase and snake_case attribute names.
// maxAge is in seconds, expires an RFC 3339 timestamp.
func (p *payloadReader) cookieOptions(key string) storage.Options {
	v, ok := p.payload[key]
	if !ok || v == nil {
		return storage.Options{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		p.fail(key, "object", v)
		return storage.Options{}
	}

	var opts storage.Options
	sub := payloadReader{event: p.event, payload: m}
	opts.Path = sub.optionalStr("path")
	opts.Domain = sub.optionalStr("domain")
	opts.Secure = sub.boolean("secure")
	opts.SameSite = sub.optionalStr("sameSite")
	if opts.SameSite == "" {
		opts.SameSite = sub.optionalStr("same_site")
	}
	for _, k := range []string{"maxAge", "max_age"} {
		switch n := m[k].(type) {
		case int64:
			opts.MaxAge = time.Duration(n) * time.Second
		case float64:
			opts.MaxAge = time.Duration(n * float64(time.Second))
		}
	}
	if exp := sub.optionalStr("expires"); exp != "" {
		t, err := time.Parse(time.RFC3339, exp)
		if err != nil {
			sub.fail("expires", "RFC 3339 time", exp)
		} else {
			opts.Expires = t
		}
	}
	if sub.err != nil && p.err == nil {
		p.err = sub.err
	}
	return opts
}
