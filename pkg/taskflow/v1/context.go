package taskflowv1

import (
	"context"
	"time"
)

// ExecutionMode describes which kind of execution, if any, governs a call.
type ExecutionMode int

const (
	ExecutionModeNone ExecutionMode = iota
	ExecutionModeLocalWorkflow
	ExecutionModeTask
)

func (m ExecutionMode) String() string {
	switch m {
	case ExecutionModeLocalWorkflow:
		return "local_workflow"
	case ExecutionModeTask:
		return "task"
	default:
		return "none"
	}
}

// BranchEvalMode marks whether the current branch of a locally simulated
// workflow is taken.
type BranchEvalMode int

const (
	BranchEvalActive BranchEvalMode = iota
	BranchEvalSkipped
)

// Linker turns an invocation made while compiling into a graph node. It
// returns reference promises shaped like the task's outputs.
type Linker interface {
	Link(ctx context.Context, task *Task, iface *Interface, timeout time.Duration, retries RetryStrategy, inputs map[string]any) (any, error)
}

// CompilationState is present while a workflow is being compiled.
type CompilationState struct {
	Linker Linker
}

// ExecutionState describes how task calls run outside of compilation.
type ExecutionState struct {
	Mode       ExecutionMode
	BranchEval BranchEvalMode
}

// RegistrationSettings identify where registerable entities are published.
type RegistrationSettings struct {
	Project string
	Domain  string
	Version string
	Image   string
	Env     map[string]string
}

// Context is the ambient state of an invocation. Tasks only read it; it is
// built and replaced by whatever drives compilation or local execution.
type Context struct {
	Compilation  *CompilationState
	Execution    *ExecutionState
	Registration RegistrationSettings
}

// Compiling reports whether calls should be linked into a graph.
func (c *Context) Compiling() bool {
	return c != nil && c.Compilation != nil && c.Compilation.Linker != nil
}

// LocalWorkflow reports whether calls are part of a locally simulated workflow.
func (c *Context) LocalWorkflow() bool {
	return c != nil && c.Execution != nil && c.Execution.Mode == ExecutionModeLocalWorkflow
}

// BranchSkipped reports whether the current simulated branch is not taken.
func (c *Context) BranchSkipped() bool {
	return c.LocalWorkflow() && c.Execution.BranchEval == BranchEvalSkipped
}

// WithExecution returns a copy of c with the given execution state.
func (c *Context) WithExecution(state *ExecutionState) *Context {
	cp := Context{}
	if c != nil {
		cp = *c
	}
	cp.Execution = state
	return &cp
}

// WithCompilation returns a copy of c with the given compilation state.
func (c *Context) WithCompilation(state *CompilationState) *Context {
	cp := Context{}
	if c != nil {
		cp = *c
	}
	cp.Compilation = state
	return &cp
}

type contextKey struct{}

// WithContext attaches tc to ctx.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the Context attached to ctx, or nil.
func FromContext(ctx context.Context) *Context {
	tc, _ := ctx.Value(contextKey{}).(*Context)
	return tc
}
