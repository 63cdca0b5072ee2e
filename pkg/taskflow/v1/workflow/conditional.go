package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/graph"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// CaseFunc is one side of a conditional. It returns named values, usually
// promises from task calls, that become the outputs of the conditional.
type CaseFunc func(ctx context.Context) (map[string]any, error)

// Cond is a conditional being declared inside a workflow body.
type Cond struct {
	ctx       context.Context
	name      string
	condition string
	vars      map[string]any
	then      CaseFunc
	otherwise CaseFunc
}

// Conditional starts a conditional whose CEL condition is evaluated over
// vars, which may hold promises or constants:
//
//	out, err := workflow.Conditional(ctx, "is_big", "sum > 10", map[string]any{"sum": sum}).
//		Then(func(ctx context.Context) (map[string]any, error) { ... }).
//		Else(func(ctx context.Context) (map[string]any, error) { ... }).
//		End()
//
// While simulating, the selected case runs and the other runs on a skipped
// branch, so its task calls do nothing. While compiling, both cases are
// compiled into a single branch node.
func Conditional(ctx context.Context, name, condition string, vars map[string]any) *Cond {
	return &Cond{ctx: ctx, name: name, condition: condition, vars: vars}
}

// Then sets the case run when the condition holds.
func (c *Cond) Then(fn CaseFunc) *Cond {
	c.then = fn
	return c
}

// Else sets the case run when the condition does not hold.
func (c *Cond) Else(fn CaseFunc) *Cond {
	c.otherwise = fn
	return c
}

// End evaluates or compiles the conditional. The result maps output names to
// promises; it is nil on a skipped branch.
func (c *Cond) End() (map[string]any, error) {
	if c.then == nil {
		return nil, fmt.Errorf("conditional %q has no then case", c.name)
	}
	tc := v1.FromContext(c.ctx)
	switch {
	case tc.Compiling():
		b, ok := tc.Compilation.Linker.(*graph.Builder)
		if !ok {
			return nil, fmt.Errorf("conditional %q: unsupported linker %T", c.name, tc.Compilation.Linker)
		}
		return c.compile(b, tc)
	case tc.LocalWorkflow():
		return c.simulate(tc)
	default:
		return nil, fmt.Errorf("conditional %q can only be used inside a workflow", c.name)
	}
}

var structType = &v1.LiteralType{Simple: v1.SimpleTypeStruct}

func (c *Cond) compile(b *graph.Builder, tc *v1.Context) (map[string]any, error) {
	vars := make(map[string]*graph.Binding, len(c.vars))
	for _, name := range slices.Sorted(maps.Keys(c.vars)) {
		binding, err := b.Bind(c.ctx, name, c.vars[name], nil, structType)
		if err != nil {
			return nil, fmt.Errorf("conditional %q: variable %q: %w", c.name, name, err)
		}
		vars[name] = binding
	}
	if err := graph.CheckCondition(c.condition, slices.Sorted(maps.Keys(vars))); err != nil {
		return nil, fmt.Errorf("conditional %q: %w", c.name, err)
	}

	compileCase := func(fn CaseFunc) (*graph.Case, error) {
		sub := b.Sub()
		ctx := v1.WithContext(c.ctx, tc.WithCompilation(&v1.CompilationState{Linker: sub}))
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		outputs := make(map[string]*graph.Binding, len(out))
		for _, name := range slices.Sorted(maps.Keys(out)) {
			binding, err := sub.Bind(ctx, name, out[name], nil, structType)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			outputs[name] = binding
		}
		return &graph.Case{Nodes: sub.Nodes(), Outputs: outputs}, nil
	}

	then, err := compileCase(c.then)
	if err != nil {
		return nil, fmt.Errorf("conditional %q: then: %w", c.name, err)
	}
	outputs := slices.Sorted(maps.Keys(then.Outputs))

	var otherwise *graph.Case
	if c.otherwise != nil {
		otherwise, err = compileCase(c.otherwise)
		if err != nil {
			return nil, fmt.Errorf("conditional %q: else: %w", c.name, err)
		}
		if !slices.Equal(outputs, slices.Sorted(maps.Keys(otherwise.Outputs))) {
			return nil, fmt.Errorf("conditional %q: then and else produce different outputs", c.name)
		}
	} else if len(outputs) > 0 {
		return nil, fmt.Errorf("conditional %q: an else case is required when the conditional has outputs", c.name)
	}

	n := &graph.Node{
		ID:      b.NextID(),
		Outputs: outputs,
		Branch: &graph.Branch{
			Name:      c.name,
			Condition: c.condition,
			Vars:      vars,
			Then:      then,
			Else:      otherwise,
		},
	}
	b.Add(n)

	refs := make(map[string]any, len(outputs))
	for _, name := range outputs {
		refs[name] = v1.NewReferencePromise(name, v1.NodeOutput{NodeID: n.ID, Var: name})
	}
	return refs, nil
}

func (c *Cond) simulate(tc *v1.Context) (map[string]any, error) {
	skipped := tc.WithExecution(&v1.ExecutionState{Mode: v1.ExecutionModeLocalWorkflow, BranchEval: v1.BranchEvalSkipped})
	active := tc.WithExecution(&v1.ExecutionState{Mode: v1.ExecutionModeLocalWorkflow, BranchEval: v1.BranchEvalActive})

	if tc.BranchSkipped() {
		for _, fn := range []CaseFunc{c.then, c.otherwise} {
			if fn == nil {
				continue
			}
			if _, err := fn(v1.WithContext(c.ctx, skipped)); err != nil {
				return nil, fmt.Errorf("conditional %q: %w", c.name, err)
			}
		}
		return nil, nil
	}

	vars := make(v1.LiteralMap, len(c.vars))
	for name, v := range c.vars {
		lit, err := literalOf(c.ctx, v, v1.Param{Name: name}, structType)
		if err != nil {
			return nil, fmt.Errorf("conditional %q: variable %q: %w", c.name, name, err)
		}
		vars[name] = lit
	}
	ok, err := graph.EvalCondition(c.condition, vars)
	if err != nil {
		return nil, fmt.Errorf("conditional %q: %w", c.name, err)
	}

	selected, other := c.then, c.otherwise
	if !ok {
		selected, other = c.otherwise, c.then
	}
	if other != nil {
		if _, err := other(v1.WithContext(c.ctx, skipped)); err != nil {
			return nil, fmt.Errorf("conditional %q: %w", c.name, err)
		}
	}
	if selected == nil {
		return map[string]any{}, nil
	}
	out, err := selected(v1.WithContext(c.ctx, active))
	if err != nil {
		return nil, fmt.Errorf("conditional %q: %w", c.name, err)
	}
	return out, nil
}

// Output returns the named output of a conditional result as a promise.
func Output(outputs map[string]any, name string) (*v1.Promise, error) {
	v, ok := outputs[name]
	if !ok {
		return nil, fmt.Errorf("conditional has no output %q", name)
	}
	switch val := v.(type) {
	case *v1.Promise:
		return val, nil
	case *expr.Value:
		return v1.NewPromise(name, val), nil
	default:
		return nil, fmt.Errorf("conditional output %q is a %T, not a promise", name, v)
	}
}
