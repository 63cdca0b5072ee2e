package taskflowv1

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func localWorkflowContext(ctx context.Context, branch BranchEvalMode) context.Context {
	return WithContext(ctx, &Context{
		Execution: &ExecutionState{Mode: ExecutionModeLocalWorkflow, BranchEval: branch},
	})
}

func newTestTask(t *testing.T, name string, iface Interface, fn ExecuteFunc, opts ...Option) *Task {
	t.Helper()
	opts = append([]Option{WithRegistry(nil)}, opts...)
	task, err := NewExecutableTask("go-task", name, iface, fn, opts...)
	require.NoError(t, err)
	return task
}

func addTask(t *testing.T, calls *int) *Task {
	return newTestTask(t, "add", Interface{
		Inputs:  []Param{P[int]("x"), P[int]("y")},
		Outputs: []Param{P[int]("sum")},
	}, func(ctx context.Context, inputs map[string]any) (any, error) {
		if calls != nil {
			*calls++
		}
		return inputs["x"].(int) + inputs["y"].(int), nil
	})
}

func pairTask(t *testing.T, result Tuple) *Task {
	return newTestTask(t, "pair", Interface{
		Outputs: []Param{P[int]("a"), P[string]("b")},
	}, func(ctx context.Context, inputs map[string]any) (any, error) {
		return result, nil
	})
}

func TestDispatchExecute(t *testing.T) {
	bodyErr := errors.New("boom")

	tests := []struct {
		name   string
		task   func(t *testing.T) *Task
		inputs LiteralMap
		check  func(t *testing.T, result DispatchResult, err error)
	}{
		{
			name:   "add",
			task:   func(t *testing.T) *Task { return addTask(t, nil) },
			inputs: NewLiteralMap(map[string]any{"x": 2, "y": 3}),
			check: func(t *testing.T, result DispatchResult, err error) {
				require.NoError(t, err)
				require.IsType(t, LiteralMap{}, result)
				require.True(t, NewLiteralMap(map[string]any{"sum": 5}).Equal(result.(LiteralMap)))
			},
		},
		{
			name: "no outputs ignores the return value",
			task: func(t *testing.T) *Task {
				return newTestTask(t, "noop", Interface{}, func(ctx context.Context, inputs map[string]any) (any, error) {
					return 42, nil
				})
			},
			inputs: LiteralMap{},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.NoError(t, err)
				require.Equal(t, VoidPromise{Task: "noop"}, result)
			},
		},
		{
			name: "tuple for a single output",
			task: func(t *testing.T) *Task {
				return newTestTask(t, "single", Interface{
					Outputs: []Param{P[int]("o")},
				}, func(ctx context.Context, inputs map[string]any) (any, error) {
					return Tuple{1, 2}, nil
				})
			},
			inputs: LiteralMap{},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.ErrorIs(t, err, ErrTupleOutput)
				require.ErrorIs(t, err, ErrContractViolation)
				require.ErrorContains(t, err, `"single"`)
				require.ErrorContains(t, err, `output "o" received a tuple of 2 elements`)
			},
		},
		{
			name: "list for a single list output",
			task: func(t *testing.T) *Task {
				return newTestTask(t, "list", Interface{
					Outputs: []Param{P[[]any]("o")},
				}, func(ctx context.Context, inputs map[string]any) (any, error) {
					return []any{1, "x"}, nil
				})
			},
			inputs: LiteralMap{},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.NoError(t, err)
				require.True(t, LiteralMap{"o": NewLiteralList(1, "x")}.Equal(result.(LiteralMap)))
			},
		},
		{
			name: "list input with a null element",
			task: func(t *testing.T) *Task {
				return newTestTask(t, "count", Interface{
					Inputs:  []Param{P[[]any]("items")},
					Outputs: []Param{P[int]("n")},
				}, func(ctx context.Context, inputs map[string]any) (any, error) {
					items := inputs["items"].([]any)
					require.Nil(t, items[1])
					return len(items), nil
				})
			},
			inputs: LiteralMap{"items": NewLiteralList(1, nil, "x")},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.NoError(t, err)
				require.True(t, NewLiteralMap(map[string]any{"n": 3}).Equal(result.(LiteralMap)))
			},
		},
		{
			name:   "two outputs",
			task:   func(t *testing.T) *Task { return pairTask(t, Tuple{1, "x"}) },
			inputs: LiteralMap{},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.NoError(t, err)
				require.True(t, NewLiteralMap(map[string]any{"a": 1, "b": "x"}).Equal(result.(LiteralMap)))
			},
		},
		{
			name:   "two outputs with an extra value",
			task:   func(t *testing.T) *Task { return pairTask(t, Tuple{1, "x", "extra"}) },
			inputs: LiteralMap{},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.ErrorIs(t, err, ErrOutputLengthMismatch)
				require.ErrorIs(t, err, ErrContractViolation)
			},
		},
		{
			name:   "two outputs with a wrong type",
			task:   func(t *testing.T) *Task { return pairTask(t, Tuple{"1", "x"}) },
			inputs: LiteralMap{},
			check: func(t *testing.T, result DispatchResult, err error) {
				var terr *TranslationError
				require.ErrorAs(t, err, &terr)
				require.Equal(t, "a", terr.Var)
				require.Equal(t, "string", terr.NativeType.String())
				require.Equal(t, "integer", terr.LiteralType.String())
			},
		},
		{
			name:   "body error is returned unchanged",
			inputs: LiteralMap{},
			task: func(t *testing.T) *Task {
				return newTestTask(t, "fail", Interface{}, func(ctx context.Context, inputs map[string]any) (any, error) {
					return nil, bodyErr
				})
			},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.Same(t, bodyErr, err)
			},
		},
		{
			name:   "input translation error",
			task:   func(t *testing.T) *Task { return addTask(t, nil) },
			inputs: NewLiteralMap(map[string]any{"x": "two", "y": 3}),
			check: func(t *testing.T, result DispatchResult, err error) {
				var terr *TranslationError
				require.ErrorAs(t, err, &terr)
				require.Equal(t, "x", terr.Var)
			},
		},
		{
			name:   "unexpected input",
			task:   func(t *testing.T) *Task { return addTask(t, nil) },
			inputs: NewLiteralMap(map[string]any{"x": 2, "y": 3, "z": 4}),
			check: func(t *testing.T, result DispatchResult, err error) {
				require.ErrorIs(t, err, ErrUnexpectedInput)
			},
		},
		{
			name:   "missing input",
			task:   func(t *testing.T) *Task { return addTask(t, nil) },
			inputs: NewLiteralMap(map[string]any{"x": 2}),
			check: func(t *testing.T, result DispatchResult, err error) {
				require.ErrorIs(t, err, ErrMissingInput)
			},
		},
		{
			name:   "literal map is returned verbatim",
			inputs: LiteralMap{},
			task: func(t *testing.T) *Task {
				return newTestTask(t, "verbatim", Interface{
					Outputs: []Param{P[int]("o")},
				}, func(ctx context.Context, inputs map[string]any) (any, error) {
					return NewLiteralMap(map[string]any{"anything": "goes"}), nil
				})
			},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.NoError(t, err)
				require.True(t, NewLiteralMap(map[string]any{"anything": "goes"}).Equal(result.(LiteralMap)))
			},
		},
		{
			name:   "dynamic job spec is returned verbatim",
			inputs: LiteralMap{},
			task: func(t *testing.T) *Task {
				return newTestTask(t, "dynamic", Interface{
					Outputs: []Param{P[int]("o")},
				}, func(ctx context.Context, inputs map[string]any) (any, error) {
					return &DynamicJobSpec{MinSuccesses: 1, Payload: &structpb.Struct{}}, nil
				})
			},
			check: func(t *testing.T, result DispatchResult, err error) {
				require.NoError(t, err)
				require.IsType(t, &DynamicJobSpec{}, result)
				require.Equal(t, 1, result.(*DynamicJobSpec).MinSuccesses)
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := test.task(t).DispatchExecute(t.Context(), test.inputs)
			test.check(t, result, err)
		})
	}
}

func TestDispatchExecuteBindsByDeclarationOrder(t *testing.T) {
	permutations := [][]string{
		{"a", "b", "c"},
		{"c", "b", "a"},
		{"b", "a", "c"},
		{"zeta", "alpha", "mu"},
		{"o10", "o2", "o1"},
	}

	for _, names := range permutations {
		t.Run(fmt.Sprint(names), func(t *testing.T) {
			outputs := make([]Param, len(names))
			values := make(Tuple, len(names))
			for i, name := range names {
				outputs[i] = P[int](name)
				values[i] = i
			}
			task := newTestTask(t, "ordered", Interface{Outputs: outputs}, func(ctx context.Context, inputs map[string]any) (any, error) {
				return values, nil
			})

			result, err := task.DispatchExecute(t.Context(), LiteralMap{})
			require.NoError(t, err)

			literals := result.(LiteralMap)
			require.Len(t, literals, len(names))
			for i, name := range names {
				checkProtoEqual(t, NewLiteral(i), literals[name])
			}
			require.Equal(t, names, task.Interface().OutputNames())
		})
	}
}

func TestCallRejectsPositionalArgs(t *testing.T) {
	calls := 0
	task := addTask(t, &calls)

	_, err := task.Call(t.Context(), 2, 3)
	require.ErrorIs(t, err, ErrPositionalArgs)
	require.ErrorIs(t, err, ErrContractViolation)

	_, err = task.Call(t.Context(), In("x", 2), In("x", 3))
	require.ErrorIs(t, err, ErrDuplicateInput)

	require.Zero(t, calls)
}

func TestCallLocalWorkflow(t *testing.T) {
	ctx := localWorkflowContext(t.Context(), BranchEvalActive)

	t.Run("add with promises", func(t *testing.T) {
		out, err := addTask(t, nil).Call(ctx, In("x", NewPromise("x", NewLiteral(2))), In("y", NewPromise("y", NewLiteral(3))))
		require.NoError(t, err)

		p, ok := out.(*Promise)
		require.True(t, ok, "expected a single promise, got %T", out)
		require.True(t, p.IsReady())
		require.Equal(t, "sum", p.Var)
		checkProtoEqual(t, NewLiteral(5), p.Val())
	})

	t.Run("add with a native constant", func(t *testing.T) {
		out, err := addTask(t, nil).Call(ctx, Inputs{"x": 2, "y": NewPromise("y", NewLiteral(40))})
		require.NoError(t, err)
		checkProtoEqual(t, NewLiteral(42), out.(*Promise).Val())
	})

	t.Run("two outputs", func(t *testing.T) {
		out, err := pairTask(t, Tuple{1, "x"}).Call(ctx)
		require.NoError(t, err)

		ps, ok := out.(Promises)
		require.True(t, ok, "expected promises, got %T", out)
		require.Len(t, ps, 2)
		require.Equal(t, "a", ps[0].Var)
		require.Equal(t, "b", ps[1].Var)
		checkProtoEqual(t, NewLiteral("x"), ps[1].Val())
	})

	t.Run("no outputs", func(t *testing.T) {
		task := newTestTask(t, "noop", Interface{}, func(ctx context.Context, inputs map[string]any) (any, error) {
			return nil, nil
		})
		out, err := task.Call(ctx)
		require.NoError(t, err)
		require.Equal(t, VoidPromise{Task: "noop"}, out)
	})

	t.Run("nested containers of promises", func(t *testing.T) {
		task := newTestTask(t, "total", Interface{
			Inputs:  []Param{P[[]int]("values"), P[map[string]int]("weights")},
			Outputs: []Param{P[int]("total")},
		}, func(ctx context.Context, inputs map[string]any) (any, error) {
			total := 0
			for _, v := range inputs["values"].([]int) {
				total += v * inputs["weights"].(map[string]int)["all"]
			}
			return total, nil
		})

		out, err := task.Call(ctx, Inputs{
			"values":  []any{NewPromise("o", NewLiteral(1)), 2, NewPromise("o", NewLiteral(3))},
			"weights": map[string]any{"all": NewPromise("w", NewLiteral(10))},
		})
		require.NoError(t, err)
		checkProtoEqual(t, NewLiteral(60), out.(*Promise).Val())
	})

	t.Run("unresolved promise", func(t *testing.T) {
		_, err := addTask(t, nil).Call(ctx, Inputs{
			"x": NewReferencePromise("o", NodeOutput{NodeID: "n0", Var: "o"}),
			"y": 1,
		})
		require.ErrorIs(t, err, ErrUnresolvedPromise)
	})

	t.Run("output count mismatch", func(t *testing.T) {
		task := newTestTask(t, "short", Interface{
			Outputs: []Param{P[int]("a"), P[int]("b")},
		}, func(ctx context.Context, inputs map[string]any) (any, error) {
			return LiteralMap{"a": NewLiteral(1)}, nil
		})
		_, err := task.Call(ctx)
		require.ErrorIs(t, err, ErrOutputLengthMismatch)
	})

	t.Run("dynamic job spec", func(t *testing.T) {
		task := newTestTask(t, "dynamic", Interface{}, func(ctx context.Context, inputs map[string]any) (any, error) {
			return &DynamicJobSpec{}, nil
		})
		_, err := task.Call(ctx)
		require.ErrorIs(t, err, ErrDynamicJobSpec)
	})
}

func TestCallSkippedBranch(t *testing.T) {
	calls := 0
	task := addTask(t, &calls)

	out, err := task.Call(localWorkflowContext(t.Context(), BranchEvalSkipped), Inputs{"x": 1, "y": 2})
	require.NoError(t, err)
	require.Nil(t, out)
	require.Zero(t, calls)
}

func TestCallWithoutContext(t *testing.T) {
	logger, hook := test.NewNullLogger()

	calls := 0
	task := newTestTask(t, "raw", Interface{
		Inputs:  []Param{P[int]("x")},
		Outputs: []Param{P[int]("a"), P[string]("b")},
	}, func(ctx context.Context, inputs map[string]any) (any, error) {
		calls++
		return Tuple{inputs["x"], "native"}, nil
	}, WithLogger(logger))

	out, err := task.Call(t.Context(), In("x", 7))
	require.NoError(t, err)
	require.Equal(t, Tuple{7, "native"}, out)
	require.Equal(t, 1, calls)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, "task run without context - executing raw function", entry.Message)
	require.Equal(t, "raw", entry.Data["task"])

	_, err = task.Call(t.Context())
	require.ErrorIs(t, err, ErrMissingInput)
}

type recordingLinker struct {
	task    *Task
	timeout time.Duration
	retries RetryStrategy
	inputs  map[string]any
}

func (l *recordingLinker) Link(ctx context.Context, task *Task, iface *Interface, timeout time.Duration, retries RetryStrategy, inputs map[string]any) (any, error) {
	l.task, l.timeout, l.retries, l.inputs = task, timeout, retries, inputs
	return NewReferencePromise("sum", NodeOutput{NodeID: "n0", Var: "sum"}), nil
}

func TestCallCompiling(t *testing.T) {
	calls := 0
	task := newTestTask(t, "add", Interface{
		Inputs:  []Param{P[int]("x"), P[int]("y")},
		Outputs: []Param{P[int]("sum")},
	}, func(ctx context.Context, inputs map[string]any) (any, error) {
		calls++
		return 0, nil
	}, WithMetadata(Metadata{Timeout: time.Minute, Retries: RetryStrategy{Retries: 3}}))

	linker := &recordingLinker{}
	ctx := WithContext(t.Context(), &Context{Compilation: &CompilationState{Linker: linker}})

	out, err := task.Call(ctx, Inputs{"x": 1, "y": NewReferencePromise("o", NodeOutput{NodeID: "n", Var: "o"})})
	require.NoError(t, err)
	require.Equal(t, "n0.sum", out.(*Promise).Ref().String())

	require.Same(t, task, linker.task)
	require.Equal(t, time.Minute, linker.timeout)
	require.Equal(t, 3, linker.retries.Retries)
	require.Len(t, linker.inputs, 2)
	require.Zero(t, calls)
}

func TestRegisterableEntity(t *testing.T) {
	builds := 0
	task := newTestTask(t, "add", Interface{
		Inputs:  []Param{P[int]("x"), P[int]("y")},
		Outputs: []Param{P[int]("sum")},
	}, func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, nil
	}, WithCustom(func(ctx context.Context, settings RegistrationSettings) map[string]any {
		builds++
		return map[string]any{"project": settings.Project}
	}))

	ctx := WithContext(t.Context(), &Context{Registration: RegistrationSettings{
		Project: "flows",
		Domain:  "development",
		Version: "v1",
		Image:   "ghcr.io/picatz/taskflow:v1",
	}})

	first := task.RegisterableEntity(ctx)
	require.Equal(t, "flows", first.ID.Project)
	require.Equal(t, "development", first.ID.Domain)
	require.Equal(t, "v1", first.ID.Version)
	require.Equal(t, "add", first.ID.Name)
	require.Equal(t, "go-task", first.Type)
	require.Equal(t, []string{"x", "y"}, first.Interface.InputNames())
	require.NotNil(t, first.Container)
	require.Equal(t, "ghcr.io/picatz/taskflow:v1", first.Container.Image)

	otherCtx := WithContext(t.Context(), &Context{Registration: RegistrationSettings{Project: "other"}})
	second := task.RegisterableEntity(otherCtx)
	require.Equal(t, first, second)
	require.Equal(t, "flows", second.ID.Project)
	require.Equal(t, 1, builds)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	task := newTestTask(t, "add", Interface{}, func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, nil
	}, WithRegistry(reg))

	got, err := reg.Task("add")
	require.NoError(t, err)
	require.Same(t, task, got)

	_, err = reg.Task("missing")
	require.Error(t, err)

	require.Len(t, reg.Tasks(), 1)
}
