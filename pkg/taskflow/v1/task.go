package taskflowv1

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// RetryStrategy is the number of times a failed task may be retried.
type RetryStrategy struct {
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// Metadata is passed through to whatever schedules the task; tasks never
// enforce it themselves.
type Metadata struct {
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries       RetryStrategy `yaml:"retries,omitempty" json:"retries,omitempty"`
	Discoverable  bool          `yaml:"discoverable,omitempty" json:"discoverable,omitempty"`
	CacheVersion  string        `yaml:"cache_version,omitempty" json:"cache_version,omitempty"`
	Interruptible bool          `yaml:"interruptible,omitempty" json:"interruptible,omitempty"`
}

// Identifier names a registered entity.
type Identifier struct {
	ResourceType string `yaml:"resource_type" json:"resource_type"`
	Project      string `yaml:"project,omitempty" json:"project,omitempty"`
	Domain       string `yaml:"domain,omitempty" json:"domain,omitempty"`
	Name         string `yaml:"name" json:"name"`
	Version      string `yaml:"version,omitempty" json:"version,omitempty"`
}

// Container describes the runtime a task executes in once registered.
type Container struct {
	Image string            `yaml:"image" json:"image"`
	Args  []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// TaskTemplate is the registerable form of a task.
type TaskTemplate struct {
	ID        Identifier      `yaml:"id" json:"id"`
	Type      string          `yaml:"type" json:"type"`
	Metadata  Metadata        `yaml:"metadata" json:"metadata"`
	Interface *TypedInterface `yaml:"interface" json:"interface"`
	Custom    map[string]any  `yaml:"custom,omitempty" json:"custom,omitempty"`
	Container *Container      `yaml:"container,omitempty" json:"container,omitempty"`
}

// Inputs are the named arguments of a task call.
type Inputs map[string]any

// Input is a single named argument of a task call.
type Input struct {
	Name  string
	Value any
}

// In returns a named argument.
func In(name string, v any) Input { return Input{Name: name, Value: v} }

// Tuple is returned by bodies of tasks that declare more than one output. Its
// elements are bound to the outputs in declaration order.
type Tuple []any

// implementation is the closed set of task variants: executable and remote.
type implementation interface {
	dispatchExecute(ctx context.Context, t *Task, inputs LiteralMap) (DispatchResult, error)
	execute(ctx context.Context, t *Task, inputs map[string]any) (any, error)
}

type onceCell[T any] struct {
	once sync.Once
	v    T
}

func (c *onceCell[T]) get(f func() T) T {
	c.once.Do(func() { c.v = f() })
	return c.v
}

// Task is a named, typed unit of work. Calling it behaves the same whether
// its arguments are values or promises, and takes one of three paths
// depending on the Context attached to the call.
type Task struct {
	taskType   string
	name       string
	native     *Interface
	iface      *TypedInterface
	metadata   Metadata
	translator Translator
	logger     logrus.FieldLogger
	registry   *Registry
	custom     func(ctx context.Context, settings RegistrationSettings) map[string]any
	container  func(ctx context.Context, settings RegistrationSettings) *Container
	impl       implementation
	template   onceCell[*TaskTemplate]
}

// Option configures a Task.
type Option func(*Task)

// WithRegistry registers the task in r instead of DefaultRegistry. A nil
// registry leaves the task unregistered.
func WithRegistry(r *Registry) Option {
	return func(t *Task) { t.registry = r }
}

// WithLogger sets the logger used for body failures and raw-execution warnings.
func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Task) { t.logger = l }
}

// WithTranslator replaces DefaultTypeEngine for literal conversion.
func WithTranslator(tr Translator) Option {
	return func(t *Task) { t.translator = tr }
}

// WithMetadata sets the pass-through metadata of the task.
func WithMetadata(md Metadata) Option {
	return func(t *Task) { t.metadata = md }
}

// WithCustom sets the task type specific payload of the registerable template.
func WithCustom(f func(ctx context.Context, settings RegistrationSettings) map[string]any) Option {
	return func(t *Task) { t.custom = f }
}

// WithContainer sets the runtime container of the registerable template.
func WithContainer(f func(ctx context.Context, settings RegistrationSettings) *Container) Option {
	return func(t *Task) { t.container = f }
}

func newTask(taskType, name string, native Interface, impl implementation, opts ...Option) (*Task, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("taskflowv1: task name cannot be empty")
	}
	iface, err := native.Typed()
	if err != nil {
		return nil, fmt.Errorf("taskflowv1: task %q: %w", name, err)
	}
	t := &Task{
		taskType:   taskType,
		name:       name,
		native:     &Interface{Inputs: slices.Clone(native.Inputs), Outputs: slices.Clone(native.Outputs)},
		iface:      iface,
		translator: DefaultTypeEngine,
		logger:     logrus.StandardLogger(),
		registry:   DefaultRegistry,
		impl:       impl,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry != nil {
		t.registry.Register(t)
	}
	return t, nil
}

func (t *Task) Name() string { return t.name }

func (t *Task) Type() string { return t.taskType }

func (t *Task) Metadata() Metadata { return t.metadata }

// Interface returns the literal typed interface of the task.
func (t *Task) Interface() *TypedInterface { return t.iface }

// NativeInterface returns the Go typed interface of the task.
func (t *Task) NativeInterface() *Interface { return t.native }

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s)", t.taskType, t.name)
}

// Call invokes the task with named arguments, given as Inputs or Input
// values. Anything else is a positional argument and is rejected.
//
// While compiling, the call is linked into the graph and the body never runs.
// While simulating a workflow locally, the inputs are translated to literals,
// dispatched, and the outputs returned as promises; nothing runs at all on a
// skipped branch. Without a Context the body is run directly with the native
// arguments.
func (t *Task) Call(ctx context.Context, args ...any) (any, error) {
	inputs, err := t.bindArgs(args)
	if err != nil {
		return nil, err
	}

	tc := FromContext(ctx)
	switch {
	case tc.Compiling():
		return tc.Compilation.Linker.Link(ctx, t, t.native, t.metadata.Timeout, t.metadata.Retries, inputs)
	case tc.LocalWorkflow():
		if tc.BranchSkipped() {
			return nil, nil
		}
		return t.localExecute(ctx, inputs)
	default:
		t.logger.WithField("task", t.name).Warn("task run without context - executing raw function")
		if err := t.checkNames(inputs); err != nil {
			return nil, err
		}
		return t.impl.execute(ctx, t, inputs)
	}
}

// DispatchExecute runs the task with literal inputs. The key set of inputs
// must equal the declared inputs.
func (t *Task) DispatchExecute(ctx context.Context, inputs LiteralMap) (DispatchResult, error) {
	return t.impl.dispatchExecute(ctx, t, inputs)
}

// RegisterableEntity returns the registerable template of the task. It is
// built once, using the registration settings of the first caller's Context,
// and returned unchanged afterwards.
func (t *Task) RegisterableEntity(ctx context.Context) *TaskTemplate {
	return t.template.get(func() *TaskTemplate {
		var settings RegistrationSettings
		if tc := FromContext(ctx); tc != nil {
			settings = tc.Registration
		}
		tmpl := &TaskTemplate{
			ID: Identifier{
				ResourceType: "task",
				Project:      settings.Project,
				Domain:       settings.Domain,
				Name:         t.name,
				Version:      settings.Version,
			},
			Type:      t.taskType,
			Metadata:  t.metadata,
			Interface: t.iface,
		}
		if t.custom != nil {
			tmpl.Custom = t.custom(ctx, settings)
		}
		if t.container != nil {
			tmpl.Container = t.container(ctx, settings)
		}
		return tmpl
	})
}

func (t *Task) bindArgs(args []any) (map[string]any, error) {
	inputs := make(map[string]any)
	add := func(name string, v any) error {
		if _, dup := inputs[name]; dup {
			return assertionErrorf(t.name, ErrDuplicateInput, "%q", name)
		}
		inputs[name] = v
		return nil
	}
	for i, arg := range args {
		switch a := arg.(type) {
		case Input:
			if err := add(a.Name, a.Value); err != nil {
				return nil, err
			}
		case Inputs:
			for _, name := range sortedStrings(slices.Collect(maps.Keys(a))) {
				if err := add(name, a[name]); err != nil {
					return nil, err
				}
			}
		case map[string]any:
			for _, name := range sortedStrings(slices.Collect(maps.Keys(a))) {
				if err := add(name, a[name]); err != nil {
					return nil, err
				}
			}
		default:
			return nil, assertionErrorf(t.name, ErrPositionalArgs, "argument %d has type %T", i, arg)
		}
	}
	return inputs, nil
}

// checkNames enforces that names equals the declared inputs exactly.
func (t *Task) checkNames(inputs map[string]any) error {
	for name := range inputs {
		if _, ok := t.iface.Input(name); !ok {
			return assertionErrorf(t.name, ErrUnexpectedInput, "%q", name)
		}
	}
	for _, v := range t.iface.Inputs {
		if _, ok := inputs[v.Name]; !ok {
			return assertionErrorf(t.name, ErrMissingInput, "%q", v.Name)
		}
	}
	return nil
}

func (t *Task) checkLiteralNames(inputs LiteralMap) error {
	names := make(map[string]any, len(inputs))
	for name, lit := range inputs {
		names[name] = lit
	}
	return t.checkNames(names)
}

// checkOutputs enforces that outputs holds exactly the declared outputs.
func (t *Task) checkOutputs(outputs LiteralMap) error {
	if len(outputs) != len(t.iface.Outputs) {
		return assertionErrorf(t.name, ErrOutputLengthMismatch, "declared %d outputs, got %d", len(t.iface.Outputs), len(outputs))
	}
	for _, v := range t.iface.Outputs {
		if _, ok := outputs[v.Name]; !ok {
			return assertionErrorf(t.name, ErrMissingOutput, "%q", v.Name)
		}
	}
	return nil
}

// literalsToNative translates literal inputs into the declared native types.
func (t *Task) literalsToNative(ctx context.Context, inputs LiteralMap) (map[string]any, error) {
	native := make(map[string]any, len(inputs))
	for name, lit := range inputs {
		param, _ := t.native.Input(name)
		v, err := t.translator.ToNative(ctx, lit, param.Type)
		if err != nil {
			variable, _ := t.iface.Input(name)
			return nil, &TranslationError{Task: t.name, Var: name, NativeType: param.Type, LiteralType: variable.Type, Err: err}
		}
		native[name] = v
	}
	return native, nil
}

// localExecute simulates a call within a workflow: promises and native
// constants become one literal map, which is dispatched, and the outputs come
// back as promises.
func (t *Task) localExecute(ctx context.Context, inputs map[string]any) (any, error) {
	if err := t.checkNames(inputs); err != nil {
		return nil, err
	}
	literals := make(LiteralMap, len(inputs))
	for name, v := range inputs {
		param, _ := t.native.Input(name)
		variable, _ := t.iface.Input(name)
		lit, err := t.resolveInput(ctx, name, v, param, variable.Type)
		if err != nil {
			return nil, err
		}
		literals[name] = lit
	}

	result, err := t.DispatchExecute(ctx, literals)
	if err != nil {
		return nil, err
	}

	switch r := result.(type) {
	case VoidPromise:
		return r, nil
	case *DynamicJobSpec:
		return nil, assertionErrorf(t.name, ErrDynamicJobSpec, "min successes %d", r.MinSuccesses)
	case LiteralMap:
		if len(t.iface.Outputs) == 0 && len(r) == 0 {
			return VoidPromise{Task: t.name}, nil
		}
		if err := t.checkOutputs(r); err != nil {
			return nil, err
		}
		promises := make(Promises, 0, len(t.iface.Outputs))
		for _, out := range t.iface.Outputs {
			promises = append(promises, NewPromise(out.Name, r[out.Name]))
		}
		if len(promises) == 1 {
			return promises[0], nil
		}
		return promises, nil
	default:
		return nil, fmt.Errorf("taskflowv1: task %q: unknown dispatch result %T", t.name, result)
	}
}

// resolveInput turns a call argument into a literal. Promises must already
// hold a literal; lists and maps may mix promises and native values.
func (t *Task) resolveInput(ctx context.Context, name string, v any, param Param, lt *LiteralType) (*expr.Value, error) {
	switch val := v.(type) {
	case *Promise:
		if !val.IsReady() {
			return nil, assertionErrorf(t.name, ErrUnresolvedPromise, "input %q references %s", name, val.Ref())
		}
		return val.Val(), nil
	case *expr.Value:
		return val, nil
	case []any:
		elemLT := lt.CollectionType
		if elemLT == nil && lt.Simple == SimpleTypeStruct {
			elemLT = lt
		}
		if elemLT != nil {
			elem := Param{Name: name, Type: elemType(param.Type, reflect.Slice)}
			values := make([]*expr.Value, len(val))
			for i, e := range val {
				lit, err := t.resolveInput(ctx, fmt.Sprintf("%s[%d]", name, i), e, elem, elemLT)
				if err != nil {
					return nil, err
				}
				values[i] = lit
			}
			return &expr.Value{Kind: &expr.Value_ListValue{ListValue: &expr.ListValue{Values: values}}}, nil
		}
	case map[string]any:
		elemLT := lt.MapValueType
		if elemLT == nil && lt.Simple == SimpleTypeStruct {
			elemLT = lt
		}
		if elemLT != nil {
			elem := Param{Name: name, Type: elemType(param.Type, reflect.Map)}
			entries := make([]*expr.MapValue_Entry, 0, len(val))
			for _, key := range sortedStrings(slices.Collect(maps.Keys(val))) {
				lit, err := t.resolveInput(ctx, fmt.Sprintf("%s[%q]", name, key), val[key], elem, elemLT)
				if err != nil {
					return nil, err
				}
				entries = append(entries, &expr.MapValue_Entry{Key: NewLiteral(key), Value: lit})
			}
			return &expr.Value{Kind: &expr.Value_MapValue{MapValue: &expr.MapValue{Entries: entries}}}, nil
		}
	}

	lit, err := t.translator.ToLiteral(ctx, v, param.Type, lt)
	if err != nil {
		return nil, &TranslationError{Task: t.name, Var: name, NativeType: param.Type, LiteralType: lt, Err: err}
	}
	return lit, nil
}

// Dispatch is DispatchExecute for callers that only deal in literal maps:
// a VoidPromise becomes an empty map and a *DynamicJobSpec is an error.
func (t *Task) Dispatch(ctx context.Context, inputs LiteralMap) (LiteralMap, error) {
	result, err := t.DispatchExecute(ctx, inputs)
	if err != nil {
		return nil, err
	}
	switch r := result.(type) {
	case LiteralMap:
		return r, nil
	case VoidPromise:
		return LiteralMap{}, nil
	case *DynamicJobSpec:
		return nil, assertionErrorf(t.name, ErrDynamicJobSpec, "min successes %d", r.MinSuccesses)
	default:
		return nil, fmt.Errorf("taskflowv1: task %q: unknown dispatch result %T", t.name, result)
	}
}
