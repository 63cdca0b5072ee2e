package server

import (
	"context"
	"fmt"

	"connectrpc.com/connect"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
)

// RunStatus describes a workflow run started through a taskflow server.
type RunStatus struct {
	WorkflowID string
	RunID      string
	Status     Status
	// Outputs are set once the run has completed.
	Outputs v1.LiteralMap
	// Error is set when the run failed, was canceled, terminated or timed out.
	Error string
}

// Client calls a taskflow server.
type Client struct {
	dispatch *connect.Client[expr.MapValue, expr.MapValue]
	run      *connect.Client[expr.MapValue, expr.MapValue]
	get      *connect.Client[expr.MapValue, expr.MapValue]
}

// NewClient returns a client of the taskflow server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		dispatch: connect.NewClient[expr.MapValue, expr.MapValue](httpClient, baseURL+DispatchProcedure, opts...),
		run:      connect.NewClient[expr.MapValue, expr.MapValue](httpClient, baseURL+RunProcedure, opts...),
		get:      connect.NewClient[expr.MapValue, expr.MapValue](httpClient, baseURL+GetProcedure, opts...),
	}
}

// Dispatch executes the named task on the server. It is a v1.DispatchFunc,
// so it can back a remote task.
func (c *Client) Dispatch(ctx context.Context, task string, inputs v1.LiteralMap) (v1.LiteralMap, error) {
	req := connect.NewRequest(inputs.ToProto())
	req.Header().Set(EntityHeader, task)
	resp, err := c.dispatch.CallUnary(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dispatch %q: %w", task, err)
	}
	return v1.LiteralMapFromProto(resp.Msg)
}

// Run starts the named workflow on the server.
func (c *Client) Run(ctx context.Context, workflow string, inputs v1.LiteralMap) (*RunStatus, error) {
	req := connect.NewRequest(inputs.ToProto())
	req.Header().Set(EntityHeader, workflow)
	resp, err := c.run.CallUnary(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", workflow, err)
	}
	return &RunStatus{
		WorkflowID: resp.Header().Get(WorkflowIDHeader),
		RunID:      resp.Header().Get(RunIDHeader),
		Status:     Status(resp.Header().Get(StatusHeader)),
	}, nil
}

// Get returns the status of a workflow run. An empty runID selects the
// latest run of workflowID.
func (c *Client) Get(ctx context.Context, workflowID, runID string) (*RunStatus, error) {
	req := connect.NewRequest(&expr.MapValue{})
	req.Header().Set(WorkflowIDHeader, workflowID)
	if runID != "" {
		req.Header().Set(RunIDHeader, runID)
	}
	resp, err := c.get.CallUnary(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", workflowID, err)
	}
	status := &RunStatus{
		WorkflowID: resp.Header().Get(WorkflowIDHeader),
		RunID:      resp.Header().Get(RunIDHeader),
		Status:     Status(resp.Header().Get(StatusHeader)),
		Error:      resp.Header().Get(ErrorHeader),
	}
	if status.Status == StatusCompleted {
		status.Outputs, err = v1.LiteralMapFromProto(resp.Msg)
		if err != nil {
			return nil, err
		}
	}
	return status, nil
}
