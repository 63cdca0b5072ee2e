package taskflowv1

import (
	"context"

	"github.com/sirupsen/logrus"
)

// DispatchFunc sends literal inputs for the named task somewhere else and
// returns its literal outputs.
type DispatchFunc func(ctx context.Context, task string, inputs LiteralMap) (LiteralMap, error)

type remote struct {
	dispatch DispatchFunc
}

// NewRemoteTask returns a task that is executed by dispatch, typically a
// client of a taskflow server that has the task registered.
func NewRemoteTask(taskType, name string, iface Interface, dispatch DispatchFunc, opts ...Option) (*Task, error) {
	return newTask(taskType, name, iface, &remote{dispatch: dispatch}, opts...)
}

func (r *remote) dispatchExecute(ctx context.Context, t *Task, inputs LiteralMap) (DispatchResult, error) {
	if err := t.checkLiteralNames(inputs); err != nil {
		return nil, err
	}
	outputs, err := r.dispatch(ctx, t.name, inputs)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"task":   t.name,
			"inputs": inputs.Names(),
		}).WithError(err).Error("remote dispatch failed")
		return nil, err
	}
	if len(t.iface.Outputs) == 0 && len(outputs) == 0 {
		return VoidPromise{Task: t.name}, nil
	}
	if err := t.checkOutputs(outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

// execute translates the native inputs, dispatches them, and translates the
// outputs back, shaped like an executable task's return value.
func (r *remote) execute(ctx context.Context, t *Task, inputs map[string]any) (any, error) {
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

	result, err := r.dispatchExecute(ctx, t, literals)
	if err != nil {
		return nil, err
	}
	outputs, ok := result.(LiteralMap)
	if !ok {
		return nil, nil
	}

	values := make(Tuple, 0, len(t.iface.Outputs))
	for i, variable := range t.iface.Outputs {
		param := t.native.Outputs[i]
		v, err := t.translator.ToNative(ctx, outputs[variable.Name], param.Type)
		if err != nil {
			return nil, &TranslationError{Task: t.name, Var: variable.Name, NativeType: param.Type, LiteralType: variable.Type, Err: err}
		}
		values = append(values, v)
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}
