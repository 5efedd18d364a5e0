package filter

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"nanokern.dev/kern/sched"
)

type Action string

const (
	ActionInvalid Action = ""
	ActionInclude        = "include"
	ActionExclude        = "exclude"
)

type Filter struct {
	Action  Action
	program cel.Program
}

// NewFilter compiles a CEL expression over trace event fields. The
// expression must evaluate to a bool.
func NewFilter(expr string, action Action) (*Filter, error) {
	switch action {
	case "include":
	case "exclude":
	default:
		return nil, fmt.Errorf("invalid action %q", action)
	}

	env, err := cel.NewEnv(
		cel.Variable("tags", cel.DynType),
		cel.Variable("tick", cel.DynType),
		cel.Variable("type", cel.DynType),
		cel.Variable("tid", cel.DynType),
		cel.Variable("name", cel.DynType),
		cel.Variable("core", cel.DynType),
		cel.Variable("prio", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if err = iss.Err(); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	if got, want := ast.OutputType(), cel.BoolType; !reflect.DeepEqual(got, want) {
		return nil, fmt.Errorf("invalid output type: got %v, want %v", got, want)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}

	f := &Filter{Action: action, program: program}
	if _, err := f.Eval(map[string]string{}, dummy); err != nil {
		return nil, fmt.Errorf("static test: %w", err)
	}
	return f, nil
}

func (f *Filter) Eval(tags map[string]string, ev sched.Event) (bool, error) {
	ret, _, err := f.program.Eval(map[string]any{
		"tags": tags,
		"tick": int64(ev.Tick),
		"type": ev.Type.String(),
		"tid":  int64(ev.Tid),
		"name": ev.Name,
		"core": int64(ev.Core),
		"prio": int64(ev.Prio),
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}

	if x, ok := ret.Value().(bool); !ok {
		return false, fmt.Errorf("invalid return type: got %T, want bool", ret.Value())
	} else {
		return x, nil
	}
}

var dummy = sched.Event{
	Tick: 1234,
	Type: sched.EventSwitch,
	Tid:  1,
	Core: 0,
	Prio: 10,
	Name: "example",
}
