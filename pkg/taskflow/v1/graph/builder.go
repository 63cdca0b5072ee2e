package graph

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

var _ v1.Linker = (*Builder)(nil)

// Builder links task calls made while compiling into nodes.
type Builder struct {
	Translator v1.Translator

	mu    sync.Mutex
	next  *int
	nodes []*Node
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{Translator: v1.DefaultTypeEngine, next: new(int)}
}

// Sub returns a builder for a nested sequence of nodes, such as a branch case.
// Node IDs stay unique across b and all of its sub builders.
func (b *Builder) Sub() *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next == nil {
		b.next = new(int)
	}
	return &Builder{Translator: b.Translator, next: b.next}
}

// Nodes returns the nodes linked so far, in call order.
func (b *Builder) Nodes() []*Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Node(nil), b.nodes...)
}

// NextID reserves a node ID.
func (b *Builder) NextID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next == nil {
		b.next = new(int)
	}
	id := fmt.Sprintf("n%d", *b.next)
	*b.next++
	return id
}

// Add appends a node built elsewhere, like a branch.
func (b *Builder) Add(n *Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = append(b.nodes, n)
}

// Link adds a node for task and returns reference promises to its outputs: a
// VoidPromise, a *Promise or Promises depending on the number of outputs.
func (b *Builder) Link(ctx context.Context, task *v1.Task, iface *v1.Interface, timeout time.Duration, retries v1.RetryStrategy, inputs map[string]any) (any, error) {
	typed := task.Interface()
	for _, v := range typed.Inputs {
		if _, ok := inputs[v.Name]; !ok {
			return nil, &v1.AssertionError{Task: task.Name(), Err: v1.ErrMissingInput, Detail: fmt.Sprintf("%q", v.Name)}
		}
	}

	bindings := make(map[string]*Binding, len(inputs))
	for _, name := range sortedKeys(inputs) {
		param, ok := iface.Input(name)
		if !ok {
			return nil, &v1.AssertionError{Task: task.Name(), Err: v1.ErrUnexpectedInput, Detail: fmt.Sprintf("%q", name)}
		}
		variable, _ := typed.Input(name)
		binding, err := b.bind(ctx, task.Name(), name, inputs[name], param.Type, variable.Type)
		if err != nil {
			return nil, err
		}
		bindings[name] = binding
	}

	md := task.Metadata()
	md.Timeout = timeout
	md.Retries = retries

	n := &Node{
		ID:       b.NextID(),
		Task:     task.Name(),
		Metadata: md,
		Inputs:   bindings,
		Outputs:  typed.OutputNames(),
	}
	b.Add(n)

	return ReferencePromises(task.Name(), n.ID, n.Outputs), nil
}

// ReferencePromises returns promises shaped like a call result for the given
// outputs of node id.
func ReferencePromises(task, id string, outputs []string) any {
	switch len(outputs) {
	case 0:
		return v1.VoidPromise{Task: task}
	case 1:
		return v1.NewReferencePromise(outputs[0], v1.NodeOutput{NodeID: id, Var: outputs[0]})
	default:
		ps := make(v1.Promises, len(outputs))
		for i, name := range outputs {
			ps[i] = v1.NewReferencePromise(name, v1.NodeOutput{NodeID: id, Var: name})
		}
		return ps
	}
}

// Bind converts a call argument into a binding. Values that are not promises
// are translated to literals using the declared types.
func (b *Builder) Bind(ctx context.Context, name string, v any, nt reflect.Type, lt *v1.LiteralType) (*Binding, error) {
	return b.bind(ctx, "", name, v, nt, lt)
}

func (b *Builder) bind(ctx context.Context, task, name string, v any, nt reflect.Type, lt *v1.LiteralType) (*Binding, error) {
	switch val := v.(type) {
	case *v1.Promise:
		if ref := val.Ref(); ref != nil {
			return &Binding{Promise: ref}, nil
		}
		if val.IsReady() {
			return &Binding{Literal: val.Val()}, nil
		}
		return nil, &v1.AssertionError{Task: task, Err: v1.ErrUnresolvedPromise, Detail: fmt.Sprintf("input %q", name)}
	case v1.Promises:
		return nil, &v1.AssertionError{Task: task, Err: v1.ErrOutputLengthMismatch, Detail: fmt.Sprintf("input %q is bound to %d outputs", name, len(val))}
	case *expr.Value:
		return &Binding{Literal: val}, nil
	case []any:
		elemLT := lt.CollectionType
		if elemLT == nil && lt.Simple == v1.SimpleTypeStruct {
			elemLT = lt
		}
		if elemLT != nil {
			var et reflect.Type
			if nt != nil && (nt.Kind() == reflect.Slice || nt.Kind() == reflect.Array) {
				et = nt.Elem()
			}
			coll := make([]*Binding, len(val))
			for i, elem := range val {
				eb, err := b.bind(ctx, task, fmt.Sprintf("%s[%d]", name, i), elem, et, elemLT)
				if err != nil {
					return nil, err
				}
				coll[i] = eb
			}
			return &Binding{Collection: coll}, nil
		}
	case map[string]any:
		elemLT := lt.MapValueType
		if elemLT == nil && lt.Simple == v1.SimpleTypeStruct {
			elemLT = lt
		}
		if elemLT != nil {
			var et reflect.Type
			if nt != nil && nt.Kind() == reflect.Map {
				et = nt.Elem()
			}
			m := make(map[string]*Binding, len(val))
			for _, key := range sortedKeys(val) {
				eb, err := b.bind(ctx, task, fmt.Sprintf("%s[%q]", name, key), val[key], et, elemLT)
				if err != nil {
					return nil, err
				}
				m[key] = eb
			}
			return &Binding{Map: m}, nil
		}
	}

	lit, err := b.translator().ToLiteral(ctx, v, nt, lt)
	if err != nil {
		return nil, &v1.TranslationError{Task: task, Var: name, NativeType: nt, LiteralType: lt, Err: err}
	}
	return &Binding{Literal: lit}, nil
}

func (b *Builder) translator() v1.Translator {
	if b.Translator == nil {
		return v1.DefaultTypeEngine
	}
	return b.Translator
}
