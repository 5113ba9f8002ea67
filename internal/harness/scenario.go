package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted engine session.
//
// Steps run in order against a fresh engine whose transport, uploads and side
// effects are recorded instead of performed. Replies are fed through the wire
// codec, so values reach the engine exactly as they would from the network.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Token stamped on outgoing events. Defaults to the fixed test token.
	Token string `yaml:"token,omitempty"`

	// Route the client starts on. Defaults to "/".
	Route string `yaml:"route,omitempty"`

	// HydrateEvent names the first initial event. Defaults to "state.hydrate".
	HydrateEvent string `yaml:"hydrate_event,omitempty"`

	// OnLoad events fire after hydration and after every internal redirect.
	OnLoad []string `yaml:"on_load,omitempty"`

	Storage *StorageSetup `yaml:"storage,omitempty"`

	// Refs registers an in-memory element per name.
	Refs []string `yaml:"refs,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// StorageSetup declares storage-backed state keys and the values already
// stored when the scenario starts.
type StorageSetup struct {
	// Cookies maps a state key to a cookie name.
	Cookies map[string]string `yaml:"cookies,omitempty"`
	// LocalStorage maps a state key to a local storage entry name.
	LocalStorage map[string]string `yaml:"local_storage,omitempty"`

	StoredCookies map[string]string `yaml:"stored_cookies,omitempty"`
	StoredLocal   map[string]string `yaml:"stored_local,omitempty"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	// Start enqueues the initial events, as a client does when it boots.
	Start bool `yaml:"start,omitempty"`

	Enqueue []EventSpec `yaml:"enqueue,omitempty"`

	// Reply delivers a websocket frame.
	Reply *UpdateSpec `yaml:"reply,omitempty"`

	// UploadLine delivers one line of an upload response.
	UploadLine *UpdateSpec `yaml:"upload_line,omitempty"`

	Disconnect bool `yaml:"disconnect,omitempty"`
	Connect    bool `yaml:"connect,omitempty"`
}

// EventSpec describes an event as it appears on the wire.
type EventSpec struct {
	Name    string         `yaml:"name" json:"name"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	Handler string         `yaml:"handler,omitempty" json:"handler,omitempty"`
}

// UpdateSpec describes an inbound update.
type UpdateSpec struct {
	Delta  map[string]map[string]any `yaml:"delta,omitempty" json:"delta"`
	Events []EventSpec               `yaml:"events,omitempty" json:"events"`
	Final  bool                      `yaml:"final" json:"final"`
}

// Assertion is a check against the session after all steps ran.
type Assertion struct {
	Type string `yaml:"type"`

	// Events lists event names, for sent.
	Events []string `yaml:"events,omitempty"`

	// Event and Payload select a sent event, for sent_contains. Payload is
	// matched as a subset.
	Event   string         `yaml:"event,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`

	// Substate and Expect check fields of local state, for state.
	Substate string         `yaml:"substate,omitempty"`
	Expect   map[string]any `yaml:"expect,omitempty"`

	// Gate is "idle" or "busy", for gate.
	Gate string `yaml:"gate,omitempty"`

	// Count is the expected number of items, for pending and uploads.
	Count *int `yaml:"count,omitempty"`

	// Cookies and Local are expected stored values, and Absent lists names
	// that must not be stored, for storage.
	Cookies map[string]string `yaml:"cookies,omitempty"`
	Local   map[string]string `yaml:"local,omitempty"`
	Absent  []string          `yaml:"absent,omitempty"`

	// Effects lists recorded side effects as "kind:arg", for effects.
	Effects []string `yaml:"effects,omitempty"`

	// Kinds lists step kinds in order, for steps.
	Kinds []string `yaml:"kinds,omitempty"`

	// Ref and Value check an element's value, for ref.
	Ref   string `yaml:"ref,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// Assertion types.
const (
	AssertSent         = "sent"
	AssertSentContains = "sent_contains"
	AssertState        = "state"
	AssertGate         = "gate"
	AssertPending      = "pending"
	AssertStorage      = "storage"
	AssertEffects      = "effects"
	AssertUploads      = "uploads"
	AssertSteps        = "steps"
	AssertRef          = "ref"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Start {
		set++
	}
	if len(step.Enqueue) > 0 {
		set++
		for i, ev := range step.Enqueue {
			if ev.Name == "" {
				return fmt.Errorf("enqueue[%d]: name is required", i)
			}
		}
	}
	for _, u := range []*UpdateSpec{step.Reply, step.UploadLine} {
		if u == nil {
			continue
		}
		set++
		for i, ev := range u.Events {
			if ev.Name == "" {
				return fmt.Errorf("events[%d]: name is required", i)
			}
		}
	}
	if step.Disconnect {
		set++
	}
	if step.Connect {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertSent:
		if a.Events == nil {
			return fmt.Errorf("assertions[%d]: events is required for sent", index)
		}
	case AssertSentContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for sent_contains", index)
		}
	case AssertState:
		if a.Substate == "" {
			return fmt.Errorf("assertions[%d]: substate is required for state", index)
		}
	case AssertGate:
		if a.Gate != "idle" && a.Gate != "busy" {
			return fmt.Errorf("assertions[%d]: gate must be idle or busy", index)
		}
	case AssertPending, AssertUploads:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertStorage:
		if len(a.Cookies) == 0 && len(a.Local) == 0 && len(a.Absent) == 0 {
			return fmt.Errorf("assertions[%d]: storage needs cookies, local or absent", index)
		}
	case AssertEffects:
		if a.Effects == nil {
			return fmt.Errorf("assertions[%d]: effects is required for effects", index)
		}
	case AssertSteps:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds is required for steps", index)
		}
	case AssertRef:
		if a.Ref == "" {
			return fmt.Errorf("assertions[%d]: ref is required for ref", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
