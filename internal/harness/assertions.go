package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/syncline/internal/engine"
	"github.com/roach88/syncline/internal/wire"
)

// AssertionError is returned when an assertion fails. It carries the trace
// for debugging context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []engine.Step
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, s := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", s.Seq, s.Kind, s.Event)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(r *Result, a Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: r.Trace}
	}

	switch a.Type {
	case AssertSent:
		got := r.SentNames()
		if !equalStrings(got, a.Events) {
			return fail(fmt.Sprintf("%v", a.Events), fmt.Sprintf("%v", got))
		}

	case AssertSentContains:
		for _, ev := range r.Sent {
			if ev.Name == a.Event && subsetMatch(ev.Payload, a.Payload) {
				return nil
			}
		}
		return fail(fmt.Sprintf("sent %s with payload %v", a.Event, a.Payload), fmt.Sprintf("%v", r.SentNames()))

	case AssertState:
		fields := r.State[a.Substate]
		if fields == nil {
			return fail(fmt.Sprintf("substate %s", a.Substate), "missing")
		}
		if !subsetMatch(fields, a.Expect) {
			return fail(fmt.Sprintf("%s contains %v", a.Substate, a.Expect), fmt.Sprintf("%v", fields))
		}

	case AssertGate:
		got := "idle"
		if r.Processing {
			got = "busy"
		}
		if got != a.Gate {
			return fail(a.Gate, got)
		}

	case AssertPending:
		if r.Pending != *a.Count {
			return fail(fmt.Sprintf("%d pending", *a.Count), fmt.Sprintf("%d pending", r.Pending))
		}

	case AssertUploads:
		if len(r.Uploads) != *a.Count {
			return fail(fmt.Sprintf("%d uploads", *a.Count), fmt.Sprintf("%d uploads", len(r.Uploads)))
		}

	case AssertStorage:
		if err := checkStored("cookie", r.Cookies, a.Cookies); err != "" {
			return fail(err, fmt.Sprintf("%v", r.Cookies))
		}
		if err := checkStored("local", r.Local, a.Local); err != "" {
			return fail(err, fmt.Sprintf("%v", r.Local))
		}
		for _, name := range a.Absent {
			_, inCookies := r.Cookies[name]
			_, inLocal := r.Local[name]
			if inCookies || inLocal {
				return fail(name+" absent", name+" stored")
			}
		}

	case AssertEffects:
		if !equalStrings(r.Effects, a.Effects) {
			return fail(fmt.Sprintf("%v", a.Effects), fmt.Sprintf("%v", r.Effects))
		}

	case AssertSteps:
		got := make([]string, len(r.Trace))
		for i, s := range r.Trace {
			got[i] = s.Kind
		}
		if !equalStrings(got, a.Kinds) {
			return fail(fmt.Sprintf("%v", a.Kinds), fmt.Sprintf("%v", got))
		}

	case AssertRef:
		got, ok := r.RefValues[a.Ref]
		if !ok {
			return fail("ref "+a.Ref, "not registered")
		}
		if !valuesEqual(got, a.Value) {
			return fail(fmt.Sprintf("%v", a.Value), fmt.Sprintf("%v", got))
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func checkStored(kind string, got, want map[string]string) string {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := got[k]; !ok || v != want[k] {
			return fmt.Sprintf("%s %s=%q", kind, k, want[k])
		}
	}
	return ""
}

// subsetMatch reports whether every key of expected is in actual with an
// equal value.
func subsetMatch(actual, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares through canonical JSON, so YAML ints match the int64
// values decoded from the wire.
func valuesEqual(a, b any) bool {
	ca, errA := wire.MarshalCanonical(a)
	cb, errB := wire.MarshalCanonical(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ca) == string(cb)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
