// Package harness runs scripted engine sessions as conformance tests.
//
// A scenario drives a real engine whose collaborators are recorders: the
// transport keeps sent events, uploads are recorded instead of streamed and
// side effects are logged. Cookie and local storage are in-memory backends
// behind the real client storage sync. Steps are stamped by a deterministic
// clock, so a run always produces the same trace.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	token: tok-1
//	route: /counter
//	on_load: [app.page.load]
//	storage:
//	  cookies: {state.session: session}
//	  local_storage: {app.prefs.theme: theme}
//	  stored_cookies: {session: abc}
//	refs: [username]
//	steps:
//	  - start: true
//	  - enqueue:
//	      - name: app.counter.set_count
//	        payload: {value: 5}
//	  - reply:
//	      delta: {app.counter: {value: 5}}
//	      events: [{name: app.counter.saved}]
//	      final: true
//	  - upload_line:
//	      delta: {app.files: {count: 1}}
//	  - disconnect: true
//	  - connect: true
//	assertions:
//	  - type: sent
//	    events: [state.hydrate, app.counter.set_count]
//	  - type: state
//	    substate: app.counter
//	    expect: {value: 5}
//
// Assertion types: sent, sent_contains, state, gate, pending, storage,
// effects, uploads, steps, ref.
//
// # Golden Files
//
// RunWithGolden renders the trace and final state as canonical JSON and
// compares it against testdata/golden/<name>.golden.
package harness
