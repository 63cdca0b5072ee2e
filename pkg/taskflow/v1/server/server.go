package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/engine"
	"github.com/picatz/taskflow/pkg/taskflow/v1/workflow"
)

const (
	// ServiceName is the fully qualified name of the task service.
	ServiceName = "taskflow.v1.TaskService"

	DispatchProcedure = "/" + ServiceName + "/Dispatch"
	RunProcedure      = "/" + ServiceName + "/Run"
	GetProcedure      = "/" + ServiceName + "/Get"
)

// Headers carrying what the literal map bodies cannot.
const (
	EntityHeader     = "Taskflow-Entity"
	WorkflowIDHeader = "Taskflow-Workflow-Id"
	RunIDHeader      = "Taskflow-Run-Id"
	StatusHeader     = "Taskflow-Status"
	ErrorHeader      = "Taskflow-Error"
)

// Status is the state of a workflow run.
type Status string

const (
	StatusUnspecified Status = "STATUS_UNSPECIFIED"
	StatusRunning     Status = "STATUS_RUNNING"
	StatusCompleted   Status = "STATUS_COMPLETED"
	StatusFailed      Status = "STATUS_FAILED"
	StatusCanceled    Status = "STATUS_CANCELED"
	StatusTerminated  Status = "STATUS_TERMINATED"
	StatusTimedOut    Status = "STATUS_TIMED_OUT"
)

// Option configures a TaskflowServer.
type Option func(*TaskflowServer)

// WithLogger sets the logger for dispatch failures and run starts.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *TaskflowServer) { s.logger = l }
}

// WithTaskQueue sets the Temporal task queue workflow runs are started on.
func WithTaskQueue(queue string) Option {
	return func(s *TaskflowServer) { s.taskQueue = queue }
}

// WithRunTimeout bounds a whole workflow run.
func WithRunTimeout(d time.Duration) Option {
	return func(s *TaskflowServer) { s.runTimeout = d }
}

// New creates a new TaskflowServer dispatching tasks from registry and
// starting workflow runs with temporalClient. Without a Temporal client only
// Dispatch is served.
func New(registry *v1.Registry, temporalClient client.Client, opts ...Option) *TaskflowServer {
	s := &TaskflowServer{
		registry:       registry,
		temporalClient: temporalClient,
		logger:         logrus.StandardLogger(),
		taskQueue:      engine.RunTaskQueueName,
		runTimeout:     6 * time.Hour,
	}
	if s.registry == nil {
		s.registry = v1.DefaultRegistry
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TaskflowServer serves the task service: it dispatches single tasks and
// runs registered workflows using Temporal.
type TaskflowServer struct {
	registry       *v1.Registry
	temporalClient client.Client
	logger         logrus.FieldLogger
	taskQueue      string
	runTimeout     time.Duration
}

// Handler returns the path the service is mounted on and its handler.
func (s *TaskflowServer) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(DispatchProcedure, connect.NewUnaryHandler(DispatchProcedure, s.Dispatch, opts...))
	mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, s.Run, opts...))
	mux.Handle(GetProcedure, connect.NewUnaryHandler(GetProcedure, s.Get, opts...))
	return "/" + ServiceName + "/", mux
}

// Shutdown gracefully shuts down the TaskflowServer, closing the Temporal client.
func (s *TaskflowServer) Shutdown(ctx context.Context) error {
	if s.temporalClient != nil {
		s.temporalClient.Close()
	}
	return nil
}

// Dispatch executes the task named by the entity header with the literal
// inputs of the request.
func (s *TaskflowServer) Dispatch(ctx context.Context, req *connect.Request[expr.MapValue]) (*connect.Response[expr.MapValue], error) {
	name := req.Header().Get(EntityHeader)
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("missing %s header", EntityHeader))
	}
	task, err := s.registry.Task(name)
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	inputs, err := v1.LiteralMapFromProto(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	outputs, err := task.Dispatch(ctx, inputs)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"task": name,
		}).WithError(err).Warn("dispatch failed")
		return nil, connect.NewError(dispatchErrorCode(err), err)
	}
	return connect.NewResponse(outputs.ToProto()), nil
}

func dispatchErrorCode(err error) connect.Code {
	var terr *v1.TranslationError
	switch {
	case errors.Is(err, v1.ErrContractViolation), errors.As(err, &terr):
		return connect.CodeInvalidArgument
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	default:
		return connect.CodeUnknown
	}
}

// Run starts a new workflow execution of the workflow named by the entity
// header.
func (s *TaskflowServer) Run(ctx context.Context, req *connect.Request[expr.MapValue]) (*connect.Response[expr.MapValue], error) {
	if s.temporalClient == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, fmt.Errorf("workflow runs require a Temporal client"))
	}
	name := req.Header().Get(EntityHeader)
	entity, ok := s.registry.Lookup(name)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("workflow %q is not registered", name))
	}
	wf, ok := entity.(*workflow.Workflow)
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("entity %q is a %T, not a workflow", name, entity))
	}
	g, err := wf.Compile(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, err)
	}
	if err := g.Validate(s.registry); err != nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, err)
	}

	workflowID := fmt.Sprintf("taskflow-workflow-%s", uuid.NewString())

	options := client.StartWorkflowOptions{
		ID:                 workflowID,
		TaskQueue:          s.taskQueue,
		WorkflowRunTimeout: s.runTimeout,
	}

	run, err := s.temporalClient.ExecuteWorkflow(ctx, options, engine.Run, g, req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("unable to execute workflow: %w", err))
	}
	s.logger.WithFields(logrus.Fields{
		"workflow":    name,
		"workflow_id": workflowID,
		"run_id":      run.GetRunID(),
	}).Info("started workflow run")

	resp := connect.NewResponse(&expr.MapValue{})
	resp.Header().Set(WorkflowIDHeader, workflowID)
	resp.Header().Set(RunIDHeader, run.GetRunID())
	resp.Header().Set(StatusHeader, string(StatusRunning))
	return resp, nil
}

// Get retrieves the status of a workflow execution by its ID (and optionally
// its run ID). The outputs of a completed run are the response body.
func (s *TaskflowServer) Get(ctx context.Context, req *connect.Request[expr.MapValue]) (*connect.Response[expr.MapValue], error) {
	if s.temporalClient == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, fmt.Errorf("workflow runs require a Temporal client"))
	}
	workflowID := req.Header().Get(WorkflowIDHeader)
	if workflowID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("missing %s header", WorkflowIDHeader))
	}
	runID := req.Header().Get(RunIDHeader)

	desc, err := s.temporalClient.DescribeWorkflowExecution(ctx, workflowID, runID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to query workflow status: %w", err))
	}

	status := getWorkflowExecutionStatus(desc)
	resp := connect.NewResponse(&expr.MapValue{})
	resp.Header().Set(WorkflowIDHeader, workflowID)
	resp.Header().Set(RunIDHeader, desc.GetWorkflowExecutionInfo().GetExecution().GetRunId())
	resp.Header().Set(StatusHeader, string(status))

	switch status {
	case StatusRunning:
		return resp, nil
	case StatusCompleted:
		var result expr.MapValue
		if err := s.temporalClient.GetWorkflow(ctx, workflowID, runID).Get(ctx, &result); err != nil {
			return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("error getting workflow result: %w", err))
		}
		resp.Msg = &result
		return resp, nil
	case StatusFailed, StatusCanceled, StatusTerminated, StatusTimedOut:
		message := string(status)
		if err := s.temporalClient.GetWorkflow(ctx, workflowID, runID).Get(ctx, nil); err != nil {
			message = err.Error()
		}
		resp.Header().Set(ErrorHeader, message)
		return resp, nil
	default:
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("unknown workflow status: %s", status))
	}
}

// getWorkflowExecutionStatus maps the Temporal workflow execution status to taskflow's run status.
func getWorkflowExecutionStatus(resp *workflowservice.DescribeWorkflowExecutionResponse) Status {
	switch resp.GetWorkflowExecutionInfo().GetStatus() {
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return StatusCanceled
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return StatusCompleted
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return StatusRunning
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return StatusFailed
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return StatusTerminated
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return StatusTimedOut
	default:
		return StatusUnspecified
	}
}
