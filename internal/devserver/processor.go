package devserver

import (
	"strings"
	"sync"

	"github.com/roach88/syncline/internal/wire"
)

// DefaultHydrateEvent is the event answered with the hydrated state.
const DefaultHydrateEvent = "state.hydrate"

// Processor turns events into updates. It keeps one state per session
// token so set_ handlers can echo accumulated values.
//
// Recognized events:
//
//	state.hydrate              {"a.b.field": v} → {"a.b": {field: v}}, plus
//	                           {"state": {is_hydrated: true}}
//	<substate>.set_<field>     {"value": v}  → {substate: {field: v}}
//	<substate>.stream_<field>  {"values": [...]} → one non-final update per value
//	<substate>.trigger         {"events": [{"name", "payload"}]} → follow-up events
//
// Anything else gets an empty final update.
type Processor struct {
	HydrateEvent string

	mu       sync.Mutex
	received []wire.Event
}

// Process returns the updates answering ev, final one last.
func (p *Processor) Process(ev wire.Event) []wire.Update {
	p.record(ev)

	hydrate := p.HydrateEvent
	if hydrate == "" {
		hydrate = DefaultHydrateEvent
	}
	if ev.Name == hydrate {
		return []wire.Update{final(hydrateDelta(hydrateSubstate(hydrate), ev.Payload), nil)}
	}

	substate := ev.Substate()
	method := strings.TrimPrefix(ev.Name, substate+".")
	switch {
	case substate == "":
		return []wire.Update{final(nil, nil)}

	case strings.HasPrefix(method, "set_"):
		field := strings.TrimPrefix(method, "set_")
		return []wire.Update{final(wire.Delta{substate: {field: ev.Payload["value"]}}, nil)}

	case strings.HasPrefix(method, "stream_"):
		field := strings.TrimPrefix(method, "stream_")
		values, _ := ev.Payload["values"].([]any)
		updates := make([]wire.Update, 0, len(values)+1)
		for _, v := range values {
			updates = append(updates, wire.Update{Delta: wire.Delta{substate: {field: v}}})
		}
		return append(updates, final(nil, nil))

	case method == "trigger":
		return []wire.Update{final(nil, followUps(ev.Payload["events"]))}

	default:
		return []wire.Update{final(nil, nil)}
	}
}

func (p *Processor) record(ev wire.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, ev)
}

// Received returns every processed event in arrival order.
func (p *Processor) Received() []wire.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.Event(nil), p.received...)
}

func final(delta wire.Delta, events []wire.Event) wire.Update {
	if delta == nil {
		delta = wire.Delta{}
	}
	return wire.Update{Delta: delta, Events: events, Final: true}
}

// hydrateDelta places each stored "substate.field" value into its
// substate. Unqualified keys land in root.
func hydrateDelta(root string, payload map[string]any) wire.Delta {
	delta := wire.Delta{root: {"is_hydrated": true}}
	for key, v := range payload {
		substate, field := root, key
		if i := strings.LastIndex(key, "."); i > 0 {
			substate, field = key[:i], key[i+1:]
		}
		if delta[substate] == nil {
			delta[substate] = map[string]any{}
		}
		delta[substate][field] = v
	}
	return delta
}

// hydrateSubstate is the root substate of the hydrate event name.
func hydrateSubstate(name string) string {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}
	return "state"
}

func followUps(v any) []wire.Event {
	list, _ := v.([]any)
	out := make([]wire.Event, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		payload, _ := m["payload"].(map[string]any)
		out = append(out, wire.NewEvent(name, payload))
	}
	return out
}
