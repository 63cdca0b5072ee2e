package flowfile

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/graph"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Internal intermediary types for unmarshaling/marshaling the Flowfile DSL
// to and from a graph.Graph. References to workflow inputs and node outputs
// are written as ${node.var} strings; everything else is a literal.
type (
	flowfile struct {
		Name        string             `yaml:"name"`
		Description string             `yaml:"description,omitempty"`
		Inputs      []flowfileVariable `yaml:"inputs,omitempty"`
		Nodes       []flowfileNode     `yaml:"nodes"`
		Outputs     []flowfileVariable `yaml:"outputs,omitempty"`
	}

	flowfileVariable struct {
		Name        string `yaml:"name"`
		Type        string `yaml:"type"`
		Description string `yaml:"description,omitempty"`
		Value       any    `yaml:"value,omitempty"`
	}

	flowfileNode struct {
		ID            string          `yaml:"id"`
		Task          string          `yaml:"task,omitempty"`
		Timeout       string          `yaml:"timeout,omitempty"`
		Retries       int             `yaml:"retries,omitempty"`
		Interruptible bool            `yaml:"interruptible,omitempty"`
		Inputs        map[string]any  `yaml:"inputs,omitempty"`
		Branch        *flowfileBranch `yaml:"branch,omitempty"`
	}

	flowfileBranch struct {
		Name      string         `yaml:"name,omitempty"`
		Condition string         `yaml:"condition"`
		Vars      map[string]any `yaml:"vars,omitempty"`
		Outputs   []string       `yaml:"outputs,omitempty"`
		Then      *flowfileCase  `yaml:"then"`
		Else      *flowfileCase  `yaml:"else,omitempty"`
	}

	flowfileCase struct {
		Nodes   []flowfileNode `yaml:"nodes"`
		Outputs map[string]any `yaml:"outputs,omitempty"`
	}
)

// flowfileRefPattern matches strings of the form ${node.var} within a
// Flowfile document.
var flowfileRefPattern = regexp.MustCompile(`^\$\{\s*([A-Za-z_][\w-]*)\.([A-Za-z_]\w*)\s*\}$`)

// flowfileExprPattern matches anything that looks like a ${...} reference, so
// malformed ones are reported instead of being read as strings.
var flowfileExprPattern = regexp.MustCompile(`^\$\{.*\}$`)

var structType = &v1.LiteralType{Simple: v1.SimpleTypeStruct}

// Unmarshal parses a Flowfile YAML-based DSL representation into a graph
// that can be validated against a registry and run.
func Unmarshal(data []byte) (*graph.Graph, error) {
	var f flowfile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.toGraph()
}

func (f *flowfile) toGraph() (*graph.Graph, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("flowfile is missing a name")
	}
	g := &graph.Graph{
		Name:        f.Name,
		Description: f.Description,
		Interface:   &v1.TypedInterface{},
		Outputs:     map[string]*graph.Binding{},
	}
	for _, in := range f.Inputs {
		v, err := in.variable()
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		g.Interface.Inputs = append(g.Interface.Inputs, v)
	}

	nodes, err := toNodes(f.Nodes)
	if err != nil {
		return nil, err
	}
	g.Nodes = nodes

	for _, out := range f.Outputs {
		v, err := out.variable()
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", out.Name, err)
		}
		g.Interface.Outputs = append(g.Interface.Outputs, v)
		if out.Value == nil {
			return nil, fmt.Errorf("output %q has no value", out.Name)
		}
		b, err := toBinding(out.Value)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", out.Name, err)
		}
		g.Outputs[out.Name] = b
	}
	return g, nil
}

func (v flowfileVariable) variable() (v1.Variable, error) {
	if v.Name == "" {
		return v1.Variable{}, fmt.Errorf("variable is missing a name")
	}
	lt, err := v1.ParseLiteralType(v.Type)
	if err != nil {
		return v1.Variable{}, err
	}
	return v1.Variable{Name: v.Name, Type: lt, Description: v.Description}, nil
}

func toNodes(in []flowfileNode) ([]*graph.Node, error) {
	nodes := make([]*graph.Node, 0, len(in))
	for _, fn := range in {
		n, err := fn.toNode()
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", fn.ID, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (fn *flowfileNode) toNode() (*graph.Node, error) {
	if fn.ID == "" {
		return nil, fmt.Errorf("node is missing an id")
	}
	if (fn.Task == "") == (fn.Branch == nil) {
		return nil, fmt.Errorf("node must have exactly one of task or branch")
	}
	n := &graph.Node{ID: fn.ID}

	if fn.Branch != nil {
		b, err := fn.Branch.toBranch()
		if err != nil {
			return nil, err
		}
		n.Branch = b
		n.Outputs = fn.Branch.Outputs
		return n, nil
	}

	n.Task = fn.Task
	n.Metadata.Retries = v1.RetryStrategy{Retries: fn.Retries}
	n.Metadata.Interruptible = fn.Interruptible
	if fn.Timeout != "" {
		d, err := time.ParseDuration(fn.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		n.Metadata.Timeout = d
	}
	inputs, err := toBindings(fn.Inputs)
	if err != nil {
		return nil, err
	}
	n.Inputs = inputs
	return n, nil
}

func (fb *flowfileBranch) toBranch() (*graph.Branch, error) {
	if fb.Then == nil {
		return nil, fmt.Errorf("branch has no then case")
	}
	vars, err := toBindings(fb.Vars)
	if err != nil {
		return nil, err
	}
	b := &graph.Branch{Name: fb.Name, Condition: fb.Condition, Vars: vars}
	if b.Then, err = fb.Then.toCase(); err != nil {
		return nil, fmt.Errorf("then: %w", err)
	}
	if fb.Else != nil {
		if b.Else, err = fb.Else.toCase(); err != nil {
			return nil, fmt.Errorf("else: %w", err)
		}
	}
	return b, nil
}

func (fc *flowfileCase) toCase() (*graph.Case, error) {
	nodes, err := toNodes(fc.Nodes)
	if err != nil {
		return nil, err
	}
	outputs, err := toBindings(fc.Outputs)
	if err != nil {
		return nil, err
	}
	return &graph.Case{Nodes: nodes, Outputs: outputs}, nil
}

func toBindings(in map[string]any) (map[string]*graph.Binding, error) {
	out := make(map[string]*graph.Binding, len(in))
	for name, v := range in {
		b, err := toBinding(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}

// toBinding converts a value from the Flowfile DSL to a binding. Lists and
// maps holding references become collection and map bindings; anything
// without references is a single literal.
func toBinding(v any) (*graph.Binding, error) {
	if !hasRef(v) {
		lit, err := v1.DefaultTypeEngine.ToLiteral(context.Background(), normalize(v), nil, structType)
		if err != nil {
			return nil, err
		}
		return graph.LiteralBinding(lit), nil
	}
	switch val := v.(type) {
	case string:
		m := flowfileRefPattern.FindStringSubmatch(val)
		if m == nil {
			return nil, fmt.Errorf("invalid reference %q, expected ${node.var}", val)
		}
		return graph.PromiseBinding(m[1], m[2]), nil
	case []any:
		elems := make([]*graph.Binding, len(val))
		for i, elem := range val {
			b, err := toBinding(elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			elems[i] = b
		}
		return &graph.Binding{Collection: elems}, nil
	case map[string]any:
		bindings, err := toBindings(val)
		if err != nil {
			return nil, err
		}
		return &graph.Binding{Map: bindings}, nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

func hasRef(v any) bool {
	switch val := v.(type) {
	case string:
		return flowfileExprPattern.MatchString(val)
	case []any:
		for _, elem := range val {
			if hasRef(elem) {
				return true
			}
		}
	case map[string]any:
		for _, elem := range val {
			if hasRef(elem) {
				return true
			}
		}
	}
	return false
}

// normalize reads YAML integers as signed where they fit, so that `5` in a
// document is the same literal as 5 in Go code.
func normalize(v any) any {
	switch val := v.(type) {
	case uint64:
		if val <= 1<<63-1 {
			return int64(val)
		}
		return val
	case int:
		return int64(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalize(elem)
		}
		return out
	default:
		return v
	}
}

// Marshal writes a graph to a Flowfile YAML-based DSL representation that is
// more human-friendly.
func Marshal(g *graph.Graph) ([]byte, error) {
	f := &flowfile{
		Name:        g.Name,
		Description: g.Description,
	}
	if g.Interface != nil {
		for _, in := range g.Interface.Inputs {
			f.Inputs = append(f.Inputs, flowfileVariable{Name: in.Name, Type: in.Type.String(), Description: in.Description})
		}
		for _, out := range g.Interface.Outputs {
			b, ok := g.Outputs[out.Name]
			if !ok {
				return nil, fmt.Errorf("output %q is not bound", out.Name)
			}
			value, err := fromBinding(b)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", out.Name, err)
			}
			f.Outputs = append(f.Outputs, flowfileVariable{Name: out.Name, Type: out.Type.String(), Description: out.Description, Value: value})
		}
	}
	nodes, err := fromNodes(g.Nodes)
	if err != nil {
		return nil, err
	}
	f.Nodes = nodes
	return yaml.Marshal(f)
}

func fromNodes(nodes []*graph.Node) ([]flowfileNode, error) {
	out := make([]flowfileNode, 0, len(nodes))
	for _, n := range nodes {
		fn := flowfileNode{ID: n.ID}
		if n.Branch != nil {
			fb, err := fromBranch(n)
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", n.ID, err)
			}
			fn.Branch = fb
			out = append(out, fn)
			continue
		}
		fn.Task = n.Task
		fn.Retries = n.Metadata.Retries.Retries
		fn.Interruptible = n.Metadata.Interruptible
		if n.Metadata.Timeout > 0 {
			fn.Timeout = n.Metadata.Timeout.String()
		}
		inputs, err := fromBindings(n.Inputs)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		fn.Inputs = inputs
		out = append(out, fn)
	}
	return out, nil
}

func fromBranch(n *graph.Node) (*flowfileBranch, error) {
	vars, err := fromBindings(n.Branch.Vars)
	if err != nil {
		return nil, err
	}
	fb := &flowfileBranch{
		Name:      n.Branch.Name,
		Condition: n.Branch.Condition,
		Vars:      vars,
		Outputs:   n.Outputs,
	}
	if fb.Then, err = fromCase(n.Branch.Then); err != nil {
		return nil, fmt.Errorf("then: %w", err)
	}
	if n.Branch.Else != nil {
		if fb.Else, err = fromCase(n.Branch.Else); err != nil {
			return nil, fmt.Errorf("else: %w", err)
		}
	}
	return fb, nil
}

func fromCase(c *graph.Case) (*flowfileCase, error) {
	if c == nil {
		return nil, fmt.Errorf("missing case")
	}
	nodes, err := fromNodes(c.Nodes)
	if err != nil {
		return nil, err
	}
	outputs, err := fromBindings(c.Outputs)
	if err != nil {
		return nil, err
	}
	return &flowfileCase{Nodes: nodes, Outputs: outputs}, nil
}

func fromBindings(bindings map[string]*graph.Binding) (map[string]any, error) {
	if len(bindings) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(bindings))
	for name, b := range bindings {
		v, err := fromBinding(b)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func fromBinding(b *graph.Binding) (any, error) {
	switch {
	case b == nil:
		return nil, fmt.Errorf("empty binding")
	case b.Literal != nil:
		return fromLiteral(b.Literal)
	case b.Promise != nil:
		return fmt.Sprintf("${%s}", b.Promise), nil
	case b.Collection != nil:
		out := make([]any, len(b.Collection))
		for i, elem := range b.Collection {
			v, err := fromBinding(elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case b.Map != nil:
		out := make(map[string]any, len(b.Map))
		for k, elem := range b.Map {
			v, err := fromBinding(elem)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("empty binding")
	}
}

// fromLiteral converts a literal to a plain YAML value. Binary, duration and
// timestamp literals have no unambiguous YAML form and are rejected.
func fromLiteral(lit *expr.Value) (any, error) {
	v, err := v1.LiteralToAny(lit)
	if err != nil {
		return nil, err
	}
	var check func(v any) error
	check = func(v any) error {
		switch val := v.(type) {
		case nil, bool, int64, uint64, float64:
			return nil
		case string:
			if flowfileExprPattern.MatchString(val) {
				return fmt.Errorf("string literal %q would be read back as a reference", val)
			}
			return nil
		case []any:
			for _, elem := range val {
				if err := check(elem); err != nil {
					return err
				}
			}
			return nil
		case map[string]any:
			for _, elem := range val {
				if err := check(elem); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("%T literals cannot be written to a flowfile", v)
		}
	}
	if err := check(v); err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalTaskTemplate writes the registerable template of a task as YAML.
func MarshalTaskTemplate(tmpl *v1.TaskTemplate) ([]byte, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("task template cannot be nil")
	}
	return yaml.Marshal(tmpl)
}

// Load parses a flowfile and validates it against the tasks in reg.
func Load(data []byte, reg *v1.Registry) (*graph.Graph, error) {
	g, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(reg); err != nil {
		return nil, err
	}
	return g, nil
}

// Inputs reads a YAML mapping of input values, such as an inputs file given
// to the CLI, into literals of the types declared by iface. Each override is
// a name=value pair whose value is decoded as YAML and replaces the value in
// data. The names must match the declared inputs exactly.
func Inputs(iface *v1.TypedInterface, data []byte, overrides ...string) (v1.LiteralMap, error) {
	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}
	if values == nil {
		values = map[string]any{}
	}
	for _, pair := range overrides {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid input %q, expected name=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to parse input %q: %w", name, err)
		}
		values[name] = v
	}
	return InputLiterals(iface, values)
}

// InputLiterals converts decoded input values into literals of the types
// declared by iface.
func InputLiterals(iface *v1.TypedInterface, values map[string]any) (v1.LiteralMap, error) {
	for name := range values {
		if _, ok := iface.Input(name); !ok {
			return nil, fmt.Errorf("unexpected input %q", name)
		}
	}
	literals := make(v1.LiteralMap, len(iface.Inputs))
	for _, variable := range iface.Inputs {
		v, ok := values[variable.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", variable.Name)
		}
		lit, err := v1.DefaultTypeEngine.ToLiteral(context.Background(), normalize(v), nil, variable.Type)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", variable.Name, err)
		}
		literals[variable.Name] = lit
	}
	return literals, nil
}
