package engine

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
)

// Application error types of failures that retrying cannot fix.
const (
	ErrTypeContractViolation = "ContractViolation"
	ErrTypeTranslation       = "TranslationError"
	ErrTypeUnknownTask       = "UnknownTask"
)

// Activities dispatches graph nodes to the tasks of a registry.
type Activities struct {
	Registry *v1.Registry
}

// Dispatch runs the task registered under name with the given literal inputs.
func (a *Activities) Dispatch(ctx context.Context, name string, inputs *expr.MapValue) (*expr.MapValue, error) {
	logger := activity.GetLogger(ctx)

	reg := a.Registry
	if reg == nil {
		reg = v1.DefaultRegistry
	}
	task, err := reg.Task(name)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnknownTask, err)
	}

	literals, err := v1.LiteralMapFromProto(inputs)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid inputs for task %q", name),
			ErrTypeTranslation,
			err,
		)
	}

	logger.Info("dispatching task", "task", name, "inputs", literals.Names())
	outputs, err := task.Dispatch(ctx, literals)
	if err != nil {
		var terr *v1.TranslationError
		switch {
		case errors.Is(err, v1.ErrContractViolation):
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeContractViolation, err)
		case errors.As(err, &terr):
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeTranslation, err)
		default:
			return nil, err
		}
	}
	return outputs.ToProto(), nil
}
