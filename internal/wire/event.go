package wire

import (
	"encoding/json"
	"sort"
	"strings"
)

// HandlerUploadFiles tags events that the engine routes to the upload streamer
// instead of the websocket.
const HandlerUploadFiles = "uploadFiles"

// SpecialPrefix marks events handled entirely on the client.
const SpecialPrefix = "_"

// RouterData describes the route the client is on when an event is dispatched.
type RouterData struct {
	Pathname string            `json:"pathname"`
	Query    map[string]string `json:"query"`
	AsPath   string            `json:"asPath"`
}

// Event is a unit of work for the queue. Events without a handler are routed
// to the remote processor by Name.
//
// Token and Router are filled in exactly once, right before network dispatch.
type Event struct {
	Name    string
	Payload map[string]any
	Handler string
	Token   string
	Router  *RouterData
}

// NewEvent builds an event with the given name and payload.
func NewEvent(name string, payload map[string]any) Event {
	return Event{Name: name, Payload: payload}
}

// IsSpecial reports whether the event is handled locally without a network
// round trip.
func (e Event) IsSpecial() bool {
	return strings.HasPrefix(e.Name, SpecialPrefix)
}

// HasHandler reports whether the event is routed to a REST-style dispatcher.
func (e Event) HasHandler() bool {
	return e.Handler != ""
}

// Substate returns the portion of Name before the last dot, or "" when the
// name is unqualified.
func (e Event) Substate() string {
	idx := strings.LastIndex(e.Name, ".")
	if idx < 0 {
		return ""
	}
	return e.Name[:idx]
}

type eventJSON struct {
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload"`
	Handler    *string        `json:"handler"`
	Token      *string        `json:"token"`
	RouterData *RouterData    `json:"router_data"`
}

// MarshalJSON encodes the event keeping every key present. Missing values are
// sent as null.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Name:       e.Name,
		Payload:    NormalizePayload(e.Payload),
		RouterData: e.Router,
	}
	if e.Handler != "" {
		h := e.Handler
		out.Handler = &h
	}
	if e.Token != "" {
		t := e.Token
		out.Token = &t
	}
	return json.Marshal(out)
}

// Delta maps a substate path (for example "app.counter") to a partial update of
// that substate's fields.
type Delta map[string]map[string]any

// Substates returns the substate keys present in the delta, sorted.
func (d Delta) Substates() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Update is an inbound message from the remote processor. Final is false while
// more updates for the same originating event are still coming.
type Update struct {
	Delta  Delta   `json:"delta"`
	Events []Event `json:"events"`
	Final  bool    `json:"final"`
}

// undefinedValue marks a payload value that was never set. It encodes as null.
type undefinedValue struct{}

// MarshalJSON implements json.Marshaler.
func (undefinedValue) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Undefined is the payload value for "no value". NormalizePayload turns it into
// an explicit nil so the key survives the wire.
var Undefined any = undefinedValue{}

// NormalizePayload returns a copy of payload where every Undefined value, at
// any depth, is replaced with nil. A nil payload becomes an empty map.
func NormalizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue replaces Undefined with nil anywhere inside v.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case undefinedValue:
		return nil
	case map[string]any:
		return NormalizePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = NormalizeValue(elem)
		}
		return out
	default:
		return v
	}
}
