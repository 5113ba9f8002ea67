package harness

import (
	"github.com/roach88/syncline/internal/engine"
	"github.com/roach88/syncline/internal/upload"
	"github.com/roach88/syncline/internal/wire"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every engine step in clock order.
	Trace []engine.Step `json:"trace"`

	// Errors holds assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the local state after the last step.
	State map[string]map[string]any `json:"state"`

	Sent       []wire.Event      `json:"-"`
	Pending    int               `json:"pending"`
	Processing bool              `json:"processing"`
	Cookies    map[string]string `json:"cookies,omitempty"`
	Local      map[string]string `json:"local,omitempty"`
	Effects    []string          `json:"effects,omitempty"`
	Uploads    []upload.Request  `json:"-"`
	RefValues  map[string]any    `json:"-"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []engine.Step{},
		Errors:    []string{},
		State:     make(map[string]map[string]any),
		RefValues: make(map[string]any),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// SentNames returns the names of the sent events in order.
func (r *Result) SentNames() []string {
	names := make([]string, len(r.Sent))
	for i, ev := range r.Sent {
		names[i] = ev.Name
	}
	return names
}
