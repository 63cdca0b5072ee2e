package engine

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/graph"
)

// ErrRunFailed is returned by Run when a node or the graph itself fails.
type ErrRunFailed struct {
	Node    string
	Message string
}

func (e *ErrRunFailed) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("engine: taskflow run failed: %s", e.Message)
	}
	return fmt.Sprintf("engine: taskflow run failed at node %q: %s", e.Node, e.Message)
}

const RunTaskQueueName = "taskflow-run-task-queue"

// DefaultTimeout bounds a single task attempt when its node sets no timeout.
const DefaultTimeout = time.Minute

// activityOptions maps node metadata onto Temporal: the timeout bounds each
// attempt and a node with n retries gets n+1 attempts.
func activityOptions(node *graph.Node) workflow.ActivityOptions {
	timeout := node.Metadata.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// MaximumAttempts of zero means unlimited to Temporal.
	retries := max(node.Metadata.Retries.Retries, 0)
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    100 * time.Second,
			MaximumAttempts:    int32(retries) + 1,
			NonRetryableErrorTypes: []string{
				ErrTypeContractViolation,
				ErrTypeTranslation,
				ErrTypeUnknownTask,
			},
		},
	}
}

// Run executes a compiled graph, dispatching every task node as an activity.
// Branch conditions are evaluated in the workflow itself.
func Run(ctx workflow.Context, g *graph.Graph, inputs *expr.MapValue) (*expr.MapValue, error) {
	logger := workflow.GetLogger(ctx)

	literals, err := v1.LiteralMapFromProto(inputs)
	if err != nil {
		return nil, &ErrRunFailed{Message: err.Error()}
	}

	var activities *Activities
	outputs, err := graph.Walk(g, literals, func(node *graph.Node, in v1.LiteralMap) (v1.LiteralMap, error) {
		logger.Info("processing node", "id", node.ID, "task", node.Task)

		actx := workflow.WithActivityOptions(ctx, activityOptions(node))
		var out expr.MapValue
		if err := workflow.ExecuteActivity(actx, activities.Dispatch, node.Task, in.ToProto()).Get(actx, &out); err != nil {
			return nil, &ErrRunFailed{Node: node.ID, Message: err.Error()}
		}

		logger.Info("task dispatched successfully", "id", node.ID, "outputs", len(out.GetEntries()))
		return v1.LiteralMapFromProto(&out)
	})
	if err != nil {
		var runErr *ErrRunFailed
		if errors.As(err, &runErr) {
			return nil, runErr
		}
		return nil, &ErrRunFailed{Message: err.Error()}
	}
	return outputs.ToProto(), nil
}
