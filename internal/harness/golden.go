package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/syncline/internal/engine"
	"github.com/roach88/syncline/internal/wire"
)

// TraceSnapshot captures the step trace and final state of a scenario run.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []engine.Step
	State        map[string]map[string]any
}

// Snapshot builds the golden snapshot of result.
func Snapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{ScenarioName: name, Trace: result.Trace, State: result.State}
}

// toCanonicalMap converts the snapshot to the plain maps and slices
// wire.MarshalCanonical accepts.
func (s TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, step := range s.Trace {
		m := map[string]any{
			"seq":  step.Seq,
			"kind": step.Kind,
		}
		if step.Event != "" {
			m["event"] = step.Event
		}
		if step.Detail != nil {
			m["detail"] = step.Detail
		}
		traceList[i] = m
	}

	state := make(map[string]any, len(s.State))
	for name, fields := range s.State {
		state[name] = map[string]any(fields)
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"state":         state,
	}
}

// Canonical renders the snapshot as canonical JSON.
func (s TraceSnapshot) Canonical() ([]byte, error) {
	return wire.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result).Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
