package taskflowv1

import (
	"fmt"

	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// NodeOutput references an output variable of a graph node.
type NodeOutput struct {
	NodeID string `json:"node" yaml:"node"`
	Var    string `json:"var" yaml:"var"`
}

func (o NodeOutput) String() string {
	return fmt.Sprintf("%s.%s", o.NodeID, o.Var)
}

// Promise is a handle to the value of a task output. While simulating a
// workflow locally it carries the literal; while compiling it only references
// the node that will produce it.
type Promise struct {
	Var string
	val *expr.Value
	ref *NodeOutput
}

// NewPromise returns a ready promise holding lit.
func NewPromise(name string, lit *expr.Value) *Promise {
	return &Promise{Var: name, val: lit}
}

// NewReferencePromise returns a promise for an output of a node that has not
// run yet.
func NewReferencePromise(name string, ref NodeOutput) *Promise {
	return &Promise{Var: name, ref: &ref}
}

// IsReady reports whether the promise holds a literal.
func (p *Promise) IsReady() bool { return p != nil && p.val != nil }

// Val returns the literal, or nil if the promise is a reference.
func (p *Promise) Val() *expr.Value { return p.val }

// Ref returns the node output the promise refers to, or nil if it is ready.
func (p *Promise) Ref() *NodeOutput { return p.ref }

func (p *Promise) String() string {
	switch {
	case p == nil:
		return "Promise(<nil>)"
	case p.ref != nil:
		return fmt.Sprintf("Promise(%s -> %s)", p.Var, p.ref)
	default:
		return fmt.Sprintf("Promise(%s = %v)", p.Var, p.val)
	}
}

// Promises are the outputs of a multi-output task, in declaration order.
type Promises []*Promise

// Get returns the promise for the named output.
func (ps Promises) Get(name string) (*Promise, bool) {
	for _, p := range ps {
		if p.Var == name {
			return p, true
		}
	}
	return nil, false
}

// LiteralMap collects the literals of ready promises.
func (ps Promises) LiteralMap() (LiteralMap, error) {
	m := make(LiteralMap, len(ps))
	for _, p := range ps {
		if !p.IsReady() {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedPromise, p.Var)
		}
		m[p.Var] = p.val
	}
	return m, nil
}

// DispatchResult is what DispatchExecute returns: a VoidPromise, a LiteralMap
// or a *DynamicJobSpec.
type DispatchResult interface {
	isDispatchResult()
}

// VoidPromise is returned by tasks that declare no outputs. It is distinct
// from an empty result: nothing was produced.
type VoidPromise struct {
	Task string
}

func (VoidPromise) isDispatchResult() {}

func (v VoidPromise) String() string {
	return fmt.Sprintf("VoidPromise(%s)", v.Task)
}
