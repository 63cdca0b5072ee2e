// Package worker runs taskflow graphs on Temporal.
package worker

import (
	"go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/engine"
)

// Option adjusts the Temporal worker options.
type Option func(*sdkworker.Options)

// WithMaxConcurrentTasks bounds the number of tasks dispatched at once.
func WithMaxConcurrentTasks(n int) Option {
	return func(o *sdkworker.Options) { o.MaxConcurrentActivityExecutionSize = n }
}

// New returns a worker for taskQueue that runs engine.Run workflows and
// dispatches their nodes to the tasks of reg. It is not started.
func New(c client.Client, taskQueue string, reg *v1.Registry, opts ...Option) sdkworker.Worker {
	if taskQueue == "" {
		taskQueue = engine.RunTaskQueueName
	}
	var options sdkworker.Options
	for _, opt := range opts {
		opt(&options)
	}

	w := sdkworker.New(c, taskQueue, options)
	w.RegisterWorkflow(engine.Run)
	w.RegisterActivity(&engine.Activities{Registry: reg})
	return w
}
