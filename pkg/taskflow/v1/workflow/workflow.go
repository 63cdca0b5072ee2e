// Package workflow defines workflows as Go functions that call tasks. The same
// function is compiled into a graph, or simulated locally with real values.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/graph"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Func is the body of a workflow. Every input is a *v1.Promise. It returns
// nil for no outputs, a single promise or value for one output, and a
// v1.Tuple or v1.Promises for several, in declaration order.
type Func func(ctx context.Context, inputs map[string]any) (any, error)

// Workflow is a registered, compilable sequence of task calls.
type Workflow struct {
	name     string
	native   *v1.Interface
	iface    *v1.TypedInterface
	fn       Func
	registry *v1.Registry
	logger   logrus.FieldLogger

	compileOnce sync.Once
	graph       *graph.Graph
	compileErr  error
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithRegistry registers the workflow in r and resolves graph tasks from it.
func WithRegistry(r *v1.Registry) Option {
	return func(w *Workflow) { w.registry = r }
}

// WithLogger sets the logger for compilation and execution messages.
func WithLogger(l logrus.FieldLogger) Option {
	return func(w *Workflow) { w.logger = l }
}

// New returns a workflow named name whose body is fn.
func New(name string, iface v1.Interface, fn Func, opts ...Option) (*Workflow, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("workflow name cannot be empty")
	}
	typed, err := iface.Typed()
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", name, err)
	}
	w := &Workflow{
		name:     name,
		native:   &iface,
		iface:    typed,
		fn:       fn,
		registry: v1.DefaultRegistry,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.registry != nil {
		w.registry.Register(w)
	}
	return w, nil
}

// FromGraph returns a workflow for an already compiled graph, such as one read
// from a flowfile.
func FromGraph(g *graph.Graph, opts ...Option) (*Workflow, error) {
	w := &Workflow{
		name:     g.Name,
		iface:    g.Interface,
		registry: v1.DefaultRegistry,
		logger:   logrus.StandardLogger(),
		graph:    g,
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := g.Validate(w.registry); err != nil {
		return nil, err
	}
	if w.registry != nil {
		w.registry.Register(w)
	}
	return w, nil
}

// MustNew is like New but panics on an invalid interface.
func MustNew(name string, iface v1.Interface, fn Func, opts ...Option) *Workflow {
	w, err := New(name, iface, fn, opts...)
	if err != nil {
		panic(err)
	}
	return w
}

func (w *Workflow) Name() string { return w.name }

func (w *Workflow) Interface() *v1.TypedInterface { return w.iface }

// Compile builds the graph of the workflow by calling its body while
// compiling. The graph is built once.
func (w *Workflow) Compile(ctx context.Context) (*graph.Graph, error) {
	if w.fn == nil {
		return w.graph, nil
	}
	w.compileOnce.Do(func() {
		w.graph, w.compileErr = w.compile(ctx)
	})
	return w.graph, w.compileErr
}

func (w *Workflow) compile(ctx context.Context) (*graph.Graph, error) {
	b := graph.NewBuilder()
	tc := v1.FromContext(ctx).WithExecution(nil).WithCompilation(&v1.CompilationState{Linker: b})
	cctx := v1.WithContext(ctx, tc)

	inputs := make(map[string]any, len(w.iface.Inputs))
	for _, v := range w.iface.Inputs {
		inputs[v.Name] = v1.NewReferencePromise(v.Name, v1.NodeOutput{NodeID: graph.InputNodeID, Var: v.Name})
	}

	out, err := w.fn(cctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", w.name, err)
	}
	values, err := w.outputValues(out)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]*graph.Binding, len(values))
	for i, v := range values {
		variable := w.iface.Outputs[i]
		binding, err := b.Bind(cctx, variable.Name, v, w.native.Outputs[i].Type, variable.Type)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: output %q: %w", w.name, variable.Name, err)
		}
		outputs[variable.Name] = binding
	}

	g := &graph.Graph{
		Name:      w.name,
		Interface: w.iface,
		Nodes:     b.Nodes(),
		Outputs:   outputs,
	}
	if err := g.Validate(nil); err != nil {
		return nil, err
	}
	w.logger.WithFields(logrus.Fields{
		"workflow": w.name,
		"nodes":    len(g.Nodes),
	}).Debug("compiled workflow")
	return g, nil
}

// Execute simulates the workflow locally. Task calls inside it are dispatched
// right away and pass promises holding literals to each other.
func (w *Workflow) Execute(ctx context.Context, inputs map[string]any) (v1.LiteralMap, error) {
	if w.fn == nil {
		literals := make(v1.LiteralMap, len(inputs))
		for _, v := range w.iface.Inputs {
			val, ok := inputs[v.Name]
			if !ok {
				return nil, fmt.Errorf("workflow %q: missing input %q", w.name, v.Name)
			}
			lit, err := v1.DefaultTypeEngine.ToLiteral(ctx, val, nil, v.Type)
			if err != nil {
				return nil, fmt.Errorf("workflow %q: input %q: %w", w.name, v.Name, err)
			}
			literals[v.Name] = lit
		}
		return Run(ctx, w.registry, w.graph, literals)
	}

	tc := v1.FromContext(ctx).WithCompilation(nil).WithExecution(&v1.ExecutionState{
		Mode:       v1.ExecutionModeLocalWorkflow,
		BranchEval: v1.BranchEvalActive,
	})
	lctx := v1.WithContext(ctx, tc)

	promises := make(map[string]any, len(inputs))
	for name := range inputs {
		if _, ok := w.iface.Input(name); !ok {
			return nil, fmt.Errorf("workflow %q: unexpected input %q", w.name, name)
		}
	}
	for i, v := range w.iface.Inputs {
		val, ok := inputs[v.Name]
		if !ok {
			return nil, fmt.Errorf("workflow %q: missing input %q", w.name, v.Name)
		}
		lit, err := v1.DefaultTypeEngine.ToLiteral(ctx, val, w.native.Inputs[i].Type, v.Type)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: input %q: %w", w.name, v.Name, err)
		}
		promises[v.Name] = v1.NewPromise(v.Name, lit)
	}

	out, err := w.fn(lctx, promises)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", w.name, err)
	}
	values, err := w.outputValues(out)
	if err != nil {
		return nil, err
	}

	outputs := make(v1.LiteralMap, len(values))
	for i, v := range values {
		variable := w.iface.Outputs[i]
		lit, err := literalOf(lctx, v, w.native.Outputs[i], variable.Type)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: output %q: %w", w.name, variable.Name, err)
		}
		outputs[variable.Name] = lit
	}
	return outputs, nil
}

// outputValues sizes the value returned by the body by the declared outputs.
func (w *Workflow) outputValues(out any) ([]any, error) {
	n := len(w.iface.Outputs)
	switch {
	case n == 0:
		return nil, nil
	case n == 1:
		if tuple, ok := out.(v1.Tuple); ok {
			return nil, &v1.AssertionError{Task: w.name, Err: v1.ErrTupleOutput, Detail: fmt.Sprintf("output %q received a tuple of %d elements", w.iface.Outputs[0].Name, len(tuple))}
		}
		return []any{out}, nil
	}

	var values []any
	switch o := out.(type) {
	case v1.Tuple:
		values = o
	case v1.Promises:
		for _, p := range o {
			values = append(values, p)
		}
	default:
		return nil, &v1.AssertionError{Task: w.name, Err: v1.ErrOutputLengthMismatch, Detail: fmt.Sprintf("declared %d outputs, got %T", n, out)}
	}
	if len(values) != n {
		return nil, &v1.AssertionError{Task: w.name, Err: v1.ErrOutputLengthMismatch, Detail: fmt.Sprintf("declared %d outputs, got %d values", n, len(values))}
	}
	return values, nil
}

func literalOf(ctx context.Context, v any, param v1.Param, lt *v1.LiteralType) (*expr.Value, error) {
	if p, ok := v.(*v1.Promise); ok {
		if !p.IsReady() {
			return nil, fmt.Errorf("%w: %s", v1.ErrUnresolvedPromise, p)
		}
		return p.Val(), nil
	}
	if v == nil {
		return nil, fmt.Errorf("no value was produced")
	}
	return v1.DefaultTypeEngine.ToLiteral(ctx, v, param.Type, lt)
}

// Run executes a compiled graph by dispatching every task node to the task
// registered in reg under the node's task name.
func Run(ctx context.Context, reg *v1.Registry, g *graph.Graph, inputs v1.LiteralMap) (v1.LiteralMap, error) {
	if reg == nil {
		reg = v1.DefaultRegistry
	}
	return graph.Walk(g, inputs, func(node *graph.Node, in v1.LiteralMap) (v1.LiteralMap, error) {
		task, err := reg.Task(node.Task)
		if err != nil {
			return nil, err
		}
		return task.Dispatch(ctx, in)
	})
}
