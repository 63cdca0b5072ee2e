// Package graph holds compiled workflows: a list of nodes in call order whose
// inputs are bound to literals, workflow inputs, or outputs of earlier nodes.
package graph

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"google.golang.org/protobuf/encoding/protojson"
)

// InputNodeID is the node ID used by bindings that reference workflow inputs.
const InputNodeID = "inputs"

// Binding is the source of a node input. Exactly one field is set.
type Binding struct {
	Literal    *expr.Value
	Promise    *v1.NodeOutput
	Collection []*Binding
	Map        map[string]*Binding
}

// LiteralBinding binds a constant.
func LiteralBinding(lit *expr.Value) *Binding { return &Binding{Literal: lit} }

// PromiseBinding binds the output of another node.
func PromiseBinding(nodeID, name string) *Binding {
	return &Binding{Promise: &v1.NodeOutput{NodeID: nodeID, Var: name}}
}

// References returns every node output the binding depends on.
func (b *Binding) References() []v1.NodeOutput {
	if b == nil {
		return nil
	}
	switch {
	case b.Promise != nil:
		return []v1.NodeOutput{*b.Promise}
	case b.Collection != nil:
		var refs []v1.NodeOutput
		for _, elem := range b.Collection {
			refs = append(refs, elem.References()...)
		}
		return refs
	case b.Map != nil:
		var refs []v1.NodeOutput
		for _, key := range sortedKeys(b.Map) {
			refs = append(refs, b.Map[key].References()...)
		}
		return refs
	}
	return nil
}

// MarshalJSON encodes literals with protojson so graphs can be passed as
// Temporal workflow arguments.
func (b *Binding) MarshalJSON() ([]byte, error) {
	switch {
	case b == nil:
		return []byte("null"), nil
	case b.Literal != nil:
		lit, err := protojson.Marshal(b.Literal)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"literal": lit})
	case b.Promise != nil:
		return json.Marshal(map[string]any{"promise": b.Promise})
	case b.Collection != nil:
		return json.Marshal(map[string]any{"collection": b.Collection})
	case b.Map != nil:
		return json.Marshal(map[string]any{"map": b.Map})
	default:
		return nil, fmt.Errorf("graph: cannot encode empty binding")
	}
}

func (b *Binding) UnmarshalJSON(data []byte) error {
	var raw struct {
		Literal    json.RawMessage     `json:"literal"`
		Promise    *v1.NodeOutput      `json:"promise"`
		Collection []*Binding          `json:"collection"`
		Map        map[string]*Binding `json:"map"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = Binding{Promise: raw.Promise, Collection: raw.Collection, Map: raw.Map}
	if raw.Literal != nil {
		b.Literal = &expr.Value{}
		if err := protojson.Unmarshal(raw.Literal, b.Literal); err != nil {
			return fmt.Errorf("graph: invalid literal binding: %w", err)
		}
	}
	return nil
}

// Node is a task invocation, or a branch when Branch is set.
type Node struct {
	ID       string
	Task     string
	Metadata v1.Metadata
	Inputs   map[string]*Binding
	Outputs  []string
	Branch   *Branch
}

// Branch selects one of two cases with a CEL condition over Vars.
type Branch struct {
	Name      string
	Condition string
	Vars      map[string]*Binding
	Then      *Case
	Else      *Case
}

// Case is one side of a branch: the nodes it runs and the bindings of the
// branch node's outputs.
type Case struct {
	Nodes   []*Node
	Outputs map[string]*Binding
}

// Graph is a compiled workflow.
type Graph struct {
	Name        string
	Description string
	Interface   *v1.TypedInterface
	Nodes       []*Node
	Outputs     map[string]*Binding
}

// Node finds a node by id, including nodes inside branch cases.
func (g *Graph) Node(id string) (*Node, bool) {
	var find func(nodes []*Node) (*Node, bool)
	find = func(nodes []*Node) (*Node, bool) {
		for _, n := range nodes {
			if n.ID == id {
				return n, true
			}
			if n.Branch != nil {
				for _, c := range []*Case{n.Branch.Then, n.Branch.Else} {
					if c == nil {
						continue
					}
					if found, ok := find(c.Nodes); ok {
						return found, true
					}
				}
			}
		}
		return nil, false
	}
	return find(g.Nodes)
}

// Validate checks that every binding references a workflow input or an output
// of a node that runs before it, and, given a registry, that every task
// exists with matching inputs and outputs.
func (g *Graph) Validate(reg *v1.Registry) error {
	if g == nil {
		return fmt.Errorf("graph cannot be nil")
	}
	if g.Name == "" {
		return fmt.Errorf("graph name cannot be empty")
	}
	if g.Interface == nil {
		g.Interface = &v1.TypedInterface{}
	}

	known := map[string][]string{InputNodeID: g.Interface.InputNames()}
	if err := validateNodes(g.Nodes, known, reg); err != nil {
		return fmt.Errorf("graph %q: %w", g.Name, err)
	}
	for _, out := range g.Interface.Outputs {
		b, ok := g.Outputs[out.Name]
		if !ok {
			return fmt.Errorf("graph %q: output %q is not bound", g.Name, out.Name)
		}
		if err := checkRefs(b, known); err != nil {
			return fmt.Errorf("graph %q: output %q: %w", g.Name, out.Name, err)
		}
	}
	for name := range g.Outputs {
		if _, ok := g.Interface.Output(name); !ok {
			return fmt.Errorf("graph %q: binding for undeclared output %q", g.Name, name)
		}
	}
	return nil
}

func validateNodes(nodes []*Node, known map[string][]string, reg *v1.Registry) error {
	for _, n := range nodes {
		if n.ID == "" || n.ID == InputNodeID {
			return fmt.Errorf("invalid node id %q", n.ID)
		}
		if _, dup := known[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		if n.Metadata.Retries.Retries < 0 {
			return fmt.Errorf("node %q: negative retries %d", n.ID, n.Metadata.Retries.Retries)
		}

		if n.Branch != nil {
			if err := validateBranch(n, known, reg); err != nil {
				return fmt.Errorf("node %q: %w", n.ID, err)
			}
			known[n.ID] = n.Outputs
			continue
		}

		for _, name := range sortedKeys(n.Inputs) {
			if err := checkRefs(n.Inputs[name], known); err != nil {
				return fmt.Errorf("node %q: input %q: %w", n.ID, name, err)
			}
		}
		if reg != nil {
			task, err := reg.Task(n.Task)
			if err != nil {
				return fmt.Errorf("node %q: %w", n.ID, err)
			}
			for _, v := range task.Interface().Inputs {
				if _, ok := n.Inputs[v.Name]; !ok {
					return fmt.Errorf("node %q: missing input %q for task %q", n.ID, v.Name, n.Task)
				}
			}
			for name := range n.Inputs {
				if _, ok := task.Interface().Input(name); !ok {
					return fmt.Errorf("node %q: task %q has no input %q", n.ID, n.Task, name)
				}
			}
			if len(n.Outputs) == 0 {
				n.Outputs = task.Interface().OutputNames()
			}
		}
		known[n.ID] = n.Outputs
	}
	return nil
}

func validateBranch(n *Node, known map[string][]string, reg *v1.Registry) error {
	vars := sortedKeys(n.Branch.Vars)
	for _, name := range vars {
		if err := checkRefs(n.Branch.Vars[name], known); err != nil {
			return fmt.Errorf("condition variable %q: %w", name, err)
		}
	}
	if err := CheckCondition(n.Branch.Condition, vars); err != nil {
		return err
	}
	if n.Branch.Then == nil {
		return fmt.Errorf("branch has no then case")
	}
	for _, c := range []*Case{n.Branch.Then, n.Branch.Else} {
		if c == nil {
			continue
		}
		scope := make(map[string][]string, len(known))
		for id, outs := range known {
			scope[id] = outs
		}
		if err := validateNodes(c.Nodes, scope, reg); err != nil {
			return err
		}
		for _, out := range n.Outputs {
			b, ok := c.Outputs[out]
			if !ok {
				return fmt.Errorf("branch output %q is not bound in every case", out)
			}
			if err := checkRefs(b, scope); err != nil {
				return fmt.Errorf("branch output %q: %w", out, err)
			}
		}
		// Case nodes are visible to later nodes so their IDs stay unique.
		for id := range scope {
			if _, ok := known[id]; !ok {
				known[id] = nil
			}
		}
	}
	return nil
}

func checkRefs(b *Binding, known map[string][]string) error {
	if b == nil {
		return fmt.Errorf("empty binding")
	}
	for _, ref := range b.References() {
		outs, ok := known[ref.NodeID]
		if !ok {
			return fmt.Errorf("reference to unknown node %q", ref.NodeID)
		}
		if !slices.Contains(outs, ref.Var) {
			return fmt.Errorf("node %q has no output %q", ref.NodeID, ref.Var)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
