package graph

import (
	"fmt"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// NodeFunc executes a task node with resolved literal inputs.
type NodeFunc func(node *Node, inputs v1.LiteralMap) (v1.LiteralMap, error)

// Walk executes g in node order. Branch conditions are evaluated in place and
// only the selected case runs; everything else is handed to fn. It does not
// take a context.Context so it can drive a Temporal workflow as well as a
// local run.
func Walk(g *Graph, inputs v1.LiteralMap, fn NodeFunc) (v1.LiteralMap, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if g.Interface != nil {
		for _, v := range g.Interface.Inputs {
			if _, ok := inputs[v.Name]; !ok {
				return nil, fmt.Errorf("graph %q: missing input %q", g.Name, v.Name)
			}
		}
	}

	s := &State{Outputs: map[string]v1.LiteralMap{InputNodeID: inputs}}
	if err := s.walk(g.Nodes, fn); err != nil {
		return nil, fmt.Errorf("graph %q: %w", g.Name, err)
	}

	outputs := make(v1.LiteralMap, len(g.Outputs))
	for _, name := range sortedKeys(g.Outputs) {
		lit, err := s.Resolve(g.Outputs[name])
		if err != nil {
			return nil, fmt.Errorf("graph %q: output %q: %w", g.Name, name, err)
		}
		outputs[name] = lit
	}
	return outputs, nil
}

// State holds the outputs of the nodes executed so far, keyed by node ID.
type State struct {
	Outputs map[string]v1.LiteralMap
}

func (s *State) walk(nodes []*Node, fn NodeFunc) error {
	for _, n := range nodes {
		if n.Branch != nil {
			if err := s.branch(n, fn); err != nil {
				return fmt.Errorf("node %q: %w", n.ID, err)
			}
			continue
		}
		inputs, err := s.ResolveAll(n.Inputs)
		if err != nil {
			return fmt.Errorf("node %q: %w", n.ID, err)
		}
		outputs, err := fn(n, inputs)
		if err != nil {
			return fmt.Errorf("node %q: %w", n.ID, err)
		}
		s.Outputs[n.ID] = outputs
	}
	return nil
}

func (s *State) branch(n *Node, fn NodeFunc) error {
	vars, err := s.ResolveAll(n.Branch.Vars)
	if err != nil {
		return err
	}
	ok, err := EvalCondition(n.Branch.Condition, vars)
	if err != nil {
		return err
	}
	selected := n.Branch.Else
	if ok {
		selected = n.Branch.Then
	}
	if selected == nil {
		s.Outputs[n.ID] = v1.LiteralMap{}
		return nil
	}
	if err := s.walk(selected.Nodes, fn); err != nil {
		return err
	}
	outputs, err := s.ResolveAll(selected.Outputs)
	if err != nil {
		return err
	}
	s.Outputs[n.ID] = outputs
	return nil
}

// ResolveAll resolves every binding of a node input map.
func (s *State) ResolveAll(bindings map[string]*Binding) (v1.LiteralMap, error) {
	literals := make(v1.LiteralMap, len(bindings))
	for _, name := range sortedKeys(bindings) {
		lit, err := s.Resolve(bindings[name])
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		literals[name] = lit
	}
	return literals, nil
}

// Resolve returns the literal a binding stands for.
func (s *State) Resolve(b *Binding) (*expr.Value, error) {
	switch {
	case b == nil:
		return nil, fmt.Errorf("empty binding")
	case b.Literal != nil:
		return b.Literal, nil
	case b.Promise != nil:
		outputs, ok := s.Outputs[b.Promise.NodeID]
		if !ok {
			return nil, fmt.Errorf("node %q has not run", b.Promise.NodeID)
		}
		lit, ok := outputs[b.Promise.Var]
		if !ok {
			return nil, fmt.Errorf("node %q produced no output %q", b.Promise.NodeID, b.Promise.Var)
		}
		return lit, nil
	case b.Collection != nil:
		values := make([]*expr.Value, len(b.Collection))
		for i, elem := range b.Collection {
			lit, err := s.Resolve(elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			values[i] = lit
		}
		return &expr.Value{Kind: &expr.Value_ListValue{ListValue: &expr.ListValue{Values: values}}}, nil
	case b.Map != nil:
		entries := make([]*expr.MapValue_Entry, 0, len(b.Map))
		for _, key := range sortedKeys(b.Map) {
			lit, err := s.Resolve(b.Map[key])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			entries = append(entries, &expr.MapValue_Entry{Key: v1.NewLiteral(key), Value: lit})
		}
		return &expr.Value{Kind: &expr.Value_MapValue{MapValue: &expr.MapValue{Entries: entries}}}, nil
	default:
		return nil, fmt.Errorf("empty binding")
	}
}
