package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// ErrMalformed is returned when an inbound message does not have the shape of
// an Update or an Event.
var ErrMalformed = errors.New("malformed message")

// EncodeEvent serializes an event for the websocket.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", e.Name, err)
	}
	return data, nil
}

// EncodeUpdate serializes an update. Used by the remote side and by tests.
func EncodeUpdate(u Update) ([]byte, error) {
	out := struct {
		Delta  Delta   `json:"delta"`
		Events []Event `json:"events"`
		Final  bool    `json:"final"`
	}{Delta: u.Delta, Events: u.Events, Final: u.Final}
	if out.Delta == nil {
		out.Delta = Delta{}
	}
	if out.Events == nil {
		out.Events = []Event{}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses an inbound message into an Update.
func DecodeUpdate(raw []byte) (Update, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Update{}, err
	}

	var u Update
	if d, ok := obj["delta"]; ok && d != nil {
		dm, ok := d.(map[string]any)
		if !ok {
			return Update{}, fmt.Errorf("%w: delta is %T", ErrMalformed, d)
		}
		u.Delta = make(Delta, len(dm))
		for substate, fields := range dm {
			fm, ok := fields.(map[string]any)
			if !ok {
				return Update{}, fmt.Errorf("%w: delta[%q] is %T", ErrMalformed, substate, fields)
			}
			u.Delta[substate] = fm
		}
	}
	if evs, ok := obj["events"]; ok && evs != nil {
		list, ok := evs.([]any)
		if !ok {
			return Update{}, fmt.Errorf("%w: events is %T", ErrMalformed, evs)
		}
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return Update{}, fmt.Errorf("%w: events[%d] is %T", ErrMalformed, i, item)
			}
			ev, err := eventFromMap(m)
			if err != nil {
				return Update{}, fmt.Errorf("events[%d]: %w", i, err)
			}
			u.Events = append(u.Events, ev)
		}
	}
	if f, ok := obj["final"].(bool); ok {
		u.Final = f
	}
	return u, nil
}

// DecodeEvent parses a single event, as sent by EncodeEvent.
func DecodeEvent(raw []byte) (Event, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Event{}, err
	}
	return eventFromMap(obj)
}

// UnmarshalJSON implements json.Unmarshaler using the tolerant decoder.
func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

func eventFromMap(m map[string]any) (Event, error) {
	name, ok := m["name"].(string)
	if !ok || name == "" {
		return Event{}, fmt.Errorf("%w: event without name", ErrMalformed)
	}
	ev := Event{Name: name}
	if p, ok := m["payload"].(map[string]any); ok {
		ev.Payload = p
	}
	if h, ok := m["handler"].(string); ok {
		ev.Handler = h
	}
	if t, ok := m["token"].(string); ok {
		ev.Token = t
	}
	if rd, ok := m["router_data"].(map[string]any); ok {
		r := &RouterData{}
		r.Pathname, _ = rd["pathname"].(string)
		r.AsPath, _ = rd["asPath"].(string)
		if q, ok := rd["query"].(map[string]any); ok {
			r.Query = make(map[string]string, len(q))
			for k, v := range q {
				r.Query[k] = fmt.Sprint(v)
			}
		}
		ev.Router = r
	}
	return ev, nil
}

// decodeObject parses an inbound frame. The remote side may emit the
// JavaScript number literals NaN, Infinity and a leading '+', so frames are
// read as JSON5.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json5.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T", ErrMalformed, v)
	}
	return convertValue(obj).(map[string]any), nil
}

// convertValue resolves decoded numbers into int64 where they are integral
// and float64 otherwise.
func convertValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, elem := range val {
			val[k] = convertValue(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = convertValue(elem)
		}
		return val
	case json5.Number:
		return convertNumber(string(val))
	default:
		return v
	}
}

func convertNumber(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	// Hexadecimal integers.
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n
	}
	return s
}
