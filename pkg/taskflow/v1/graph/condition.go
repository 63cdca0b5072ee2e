package graph

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/interpreter"
	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
)

// Ensure varsActivation implements the interpreter.Activation interface.
var _ interpreter.Activation = (*varsActivation)(nil)

// varsActivation resolves condition variables from literals. Nested map
// entries can be selected with dot notation (e.g., "result.status").
type varsActivation struct {
	vars v1.LiteralMap
}

func (a *varsActivation) ResolveName(name string) (any, bool) {
	selectorFields := strings.Split(name, ".")
	lit, ok := a.vars[selectorFields[0]]
	if !ok {
		return nil, false
	}
	for _, field := range selectorFields[1:] {
		mv := lit.GetMapValue()
		if mv == nil {
			return nil, false
		}
		var next bool
		for _, entry := range mv.GetEntries() {
			if entry.GetKey().GetStringValue() == field {
				lit, next = entry.GetValue(), true
				break
			}
		}
		if !next {
			return nil, false
		}
	}
	rv, err := cel.ValueToRefValue(v1.TypeAdapter, lit)
	if err != nil {
		return nil, false
	}
	return rv, true
}

func (a *varsActivation) Parent() interpreter.Activation {
	return nil
}

func conditionEnv(vars []string) (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(vars))
	for _, name := range vars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CheckCondition reports whether condition compiles with the given variables.
func CheckCondition(condition string, vars []string) error {
	if strings.TrimSpace(condition) == "" {
		return fmt.Errorf("condition cannot be empty")
	}
	env, err := conditionEnv(vars)
	if err != nil {
		return err
	}
	ast, issues := env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("failed to compile condition %q: %w", condition, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return fmt.Errorf("condition %q must be a bool, got %s", condition, ast.OutputType())
	}
	return nil
}

// EvalCondition evaluates condition against vars.
func EvalCondition(condition string, vars v1.LiteralMap) (bool, error) {
	names := vars.Names()
	if err := CheckCondition(condition, names); err != nil {
		return false, err
	}
	env, err := conditionEnv(names)
	if err != nil {
		return false, err
	}
	ast, _ := env.Compile(condition)
	prg, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("failed to create CEL program: %w", err)
	}
	out, _, err := prg.Eval(&varsActivation{vars: vars})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %s, not a bool", condition, out.Type().TypeName())
	}
	return bool(b), nil
}
