package taskflowv1

import (
	"context"
	"reflect"

	"github.com/sirupsen/logrus"
)

// ExecuteFunc is the body of an executable task. It receives one native value
// per declared input. It returns nil for tasks without outputs, the value of
// the single output, or a Tuple with one element per output. Returning a
// LiteralMap or a *DynamicJobSpec bypasses translation entirely.
type ExecuteFunc func(ctx context.Context, inputs map[string]any) (any, error)

type executable struct {
	fn ExecuteFunc
}

// NewExecutableTask returns a task whose body is the Go function fn.
func NewExecutableTask(taskType, name string, iface Interface, fn ExecuteFunc, opts ...Option) (*Task, error) {
	defaults := []Option{WithContainer(defaultContainer(name))}
	return newTask(taskType, name, iface, &executable{fn: fn}, append(defaults, opts...)...)
}

// MustExecutableTask is like NewExecutableTask but panics on an invalid
// interface. It is meant for package level task definitions.
func MustExecutableTask(taskType, name string, iface Interface, fn ExecuteFunc, opts ...Option) *Task {
	t, err := NewExecutableTask(taskType, name, iface, fn, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// defaultContainer runs the task through the taskflow binary of the
// registered image.
func defaultContainer(name string) func(context.Context, RegistrationSettings) *Container {
	return func(_ context.Context, settings RegistrationSettings) *Container {
		if settings.Image == "" {
			return nil
		}
		return &Container{
			Image: settings.Image,
			Args:  []string{"taskflow", "execute", "--task", name, "--inputs", "{{.input}}", "--output", "{{.output}}"},
			Env:   settings.Env,
		}
	}
}

func (e *executable) execute(ctx context.Context, t *Task, inputs map[string]any) (any, error) {
	return e.fn(ctx, inputs)
}

func (e *executable) dispatchExecute(ctx context.Context, t *Task, inputs LiteralMap) (DispatchResult, error) {
	if err := t.checkLiteralNames(inputs); err != nil {
		return nil, err
	}
	native, err := t.literalsToNative(ctx, inputs)
	if err != nil {
		return nil, err
	}

	out, err := e.fn(ctx, native)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"task":   t.name,
			"inputs": native,
		}).WithError(err).Error("task body failed")
		return nil, err
	}

	switch r := out.(type) {
	case LiteralMap:
		return r, nil
	case *DynamicJobSpec:
		return r, nil
	}

	shape, err := t.shapeOutputs(out)
	if err != nil {
		return nil, err
	}
	return t.outputsToLiterals(ctx, shape)
}

// outputShape is what a body produced, sized by the declared outputs.
type outputShape interface {
	outputShape()
}

type (
	noOutput     struct{}
	singleOutput struct{ value any }
	multiOutput  struct{ values []any }
)

func (noOutput) outputShape()     {}
func (singleOutput) outputShape() {}
func (multiOutput) outputShape()  {}

// shapeOutputs checks the value returned by a body against the declared
// output arity.
func (t *Task) shapeOutputs(out any) (outputShape, error) {
	switch n := len(t.iface.Outputs); n {
	case 0:
		return noOutput{}, nil
	case 1:
		if tuple, ok := out.(Tuple); ok {
			return nil, assertionErrorf(t.name, ErrTupleOutput, "output %q received a tuple of %d elements", t.iface.Outputs[0].Name, len(tuple))
		}
		return singleOutput{value: out}, nil
	default:
		tuple, ok := out.(Tuple)
		if !ok {
			return nil, assertionErrorf(t.name, ErrOutputLengthMismatch, "declared %d outputs %v, got %T", n, t.iface.OutputNames(), out)
		}
		if len(tuple) != n {
			return nil, assertionErrorf(t.name, ErrOutputLengthMismatch, "declared %d outputs %v, got %d values", n, t.iface.OutputNames(), len(tuple))
		}
		return multiOutput{values: tuple}, nil
	}
}

// outputsToLiterals binds values to outputs in declaration order and
// translates them.
func (t *Task) outputsToLiterals(ctx context.Context, shape outputShape) (DispatchResult, error) {
	var values []any
	switch s := shape.(type) {
	case noOutput:
		return VoidPromise{Task: t.name}, nil
	case singleOutput:
		values = []any{s.value}
	case multiOutput:
		values = s.values
	}

	literals := make(LiteralMap, len(values))
	for i, v := range values {
		variable := t.iface.Outputs[i]
		param := t.native.Outputs[i]
		lit, err := t.translator.ToLiteral(ctx, v, param.Type, variable.Type)
		if err != nil {
			nt := param.Type
			if v != nil {
				nt = reflect.TypeOf(v)
			}
			return nil, &TranslationError{Task: t.name, Var: variable.Name, NativeType: nt, LiteralType: variable.Type, Err: err}
		}
		literals[variable.Name] = lit
	}
	return literals, nil
}
