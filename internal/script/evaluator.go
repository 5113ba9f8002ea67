// Package script evaluates the expressions carried by _call_script events.
//
// Expressions are CEL, not a general-purpose language: they cannot perform
// I/O, loop forever or reach anything beyond the two variables the engine
// passes in:
//
//	state   map of substate name → fields
//	router  {"pathname", "query", "asPath"}
//
// For example `state["app.counter"].value * 2` or `router.pathname == "/"`.
package script

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

const (
	// Evaluation cost ceiling, in CEL cost units.
	defaultCostLimit = 1_000_000
	// Compiled programs kept for reuse.
	maxCached = 256
)

// Evaluator compiles and runs expressions. Safe for concurrent use.
type Evaluator struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]cel.Program
}

// New creates an evaluator whose environment declares only state and router.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("router", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile parses and type-checks expr.
func (e *Evaluator) Compile(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	e.mu.Lock()
	prog, ok := e.cache[expr]
	e.mu.Unlock()
	if ok {
		return prog, nil
	}

	ast, iss := e.env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("parse: %w", iss.Err())
	}
	checked, iss2 := e.env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, fmt.Errorf("check: %w", iss2.Err())
	}
	prog, err := e.env.Program(checked,
		cel.CostLimit(defaultCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	e.mu.Lock()
	if len(e.cache) >= maxCached {
		e.cache = make(map[string]cel.Program)
	}
	e.cache[expr] = prog
	e.mu.Unlock()
	return prog, nil
}

// Eval runs expr against vars. Only the "state" and "router" entries of
// vars are visible; missing ones are bound to empty maps.
func (e *Evaluator) Eval(ctx context.Context, expr string, vars map[string]any) (any, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return nil, err
	}

	activation := map[string]any{
		"state":  mapOrEmpty(vars["state"]),
		"router": mapOrEmpty(vars["router"]),
	}
	out, _, err := prog.ContextEval(ctx, activation)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return toNative(out)
}

func mapOrEmpty(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

var (
	listType = reflect.TypeOf([]any{})
	mapType  = reflect.TypeOf(map[string]any{})
)

// toNative converts a CEL value back into plain Go values.
func toNative(v ref.Val) (any, error) {
	switch v.Type() {
	case types.NullType:
		return nil, nil
	case types.ListType:
		return v.ConvertToNative(listType)
	case types.MapType:
		return v.ConvertToNative(mapType)
	case types.ErrType:
		return nil, fmt.Errorf("eval: %v", v)
	default:
		return v.Value(), nil
	}
}
