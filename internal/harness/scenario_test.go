package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
name: test_scenario
description: "Test scenario for validation"
route: /counter
steps:
  - enqueue:
      - name: app.counter.set_count
        payload: {value: 1}
  - reply:
      delta: {app.counter: {value: 1}}
      final: true
assertions:
  - type: sent
    events: [app.counter.set_count]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "/counter", scenario.Route)
	require.Len(t, scenario.Steps, 2)
	require.Len(t, scenario.Steps[0].Enqueue, 1)
	assert.Equal(t, "app.counter.set_count", scenario.Steps[0].Enqueue[0].Name)
	assert.Equal(t, 1, scenario.Steps[0].Enqueue[0].Payload["value"])
	require.NotNil(t, scenario.Steps[1].Reply)
	assert.True(t, scenario.Steps[1].Reply.Final)
	assert.Equal(t, []string{"app.counter.set_count"}, scenario.Assertions[0].Events)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: d
step:
  - start: true
assertions:
  - type: gate
    gate: idle
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing name",
			doc:     "description: d\nsteps: [{start: true}]\nassertions: [{type: gate, gate: idle}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			doc:     "name: n\nsteps: [{start: true}]\nassertions: [{type: gate, gate: idle}]",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			doc:     "name: n\ndescription: d\nassertions: [{type: gate, gate: idle}]",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			doc:     "name: n\ndescription: d\nsteps: [{start: true}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "two actions in one step",
			doc:     "name: n\ndescription: d\nsteps: [{start: true, connect: true}]\nassertions: [{type: gate, gate: idle}]",
			wantErr: "exactly one action is required, got 2",
		},
		{
			name:    "empty step",
			doc:     "name: n\ndescription: d\nsteps: [{}]\nassertions: [{type: gate, gate: idle}]",
			wantErr: "exactly one action is required, got 0",
		},
		{
			name:    "unnamed event",
			doc:     "name: n\ndescription: d\nsteps: [{enqueue: [{payload: {a: 1}}]}]\nassertions: [{type: gate, gate: idle}]",
			wantErr: "enqueue[0]: name is required",
		},
		{
			name:    "unnamed follow-up",
			doc:     "name: n\ndescription: d\nsteps: [{reply: {events: [{}], final: true}}]\nassertions: [{type: gate, gate: idle}]",
			wantErr: "events[0]: name is required",
		},
		{
			name:    "bad gate",
			doc:     "name: n\ndescription: d\nsteps: [{start: true}]\nassertions: [{type: gate, gate: open}]",
			wantErr: "gate must be idle or busy",
		},
		{
			name:    "pending without count",
			doc:     "name: n\ndescription: d\nsteps: [{start: true}]\nassertions: [{type: pending}]",
			wantErr: "non-negative count is required for pending",
		},
		{
			name:    "empty storage assertion",
			doc:     "name: n\ndescription: d\nsteps: [{start: true}]\nassertions: [{type: storage}]",
			wantErr: "storage needs cookies, local or absent",
		},
		{
			name:    "unknown assertion",
			doc:     "name: n\ndescription: d\nsteps: [{start: true}]\nassertions: [{type: trace_contains}]",
			wantErr: `unknown assertion type "trace_contains"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDir(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.Name
	}
	assert.Equal(t, []string{
		"disconnect_reconnect",
		"remove_cookie_rehydrate",
		"set_count",
		"specials_and_uploads",
		"streamed_updates",
	}, names)
}

func TestLoadDir_ReportsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\n"), 0644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}
