package graph_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/graph"
)

var integerType = &v1.LiteralType{Simple: v1.SimpleTypeInteger}

// calculator adds x and y, then doubles the sum when it is over 10 and
// otherwise adds 100 to it.
func calculator() *graph.Graph {
	return &graph.Graph{
		Name: "calculator",
		Interface: &v1.TypedInterface{
			Inputs:  []v1.Variable{{Name: "x", Type: integerType}, {Name: "y", Type: integerType}},
			Outputs: []v1.Variable{{Name: "result", Type: integerType}},
		},
		Nodes: []*graph.Node{
			{
				ID:       "sum",
				Task:     "add",
				Metadata: v1.Metadata{Timeout: 30 * time.Second, Retries: v1.RetryStrategy{Retries: 2}},
				Inputs: map[string]*graph.Binding{
					"x": graph.PromiseBinding(graph.InputNodeID, "x"),
					"y": graph.PromiseBinding(graph.InputNodeID, "y"),
				},
				Outputs: []string{"sum"},
			},
			{
				ID:      "check",
				Outputs: []string{"result"},
				Branch: &graph.Branch{
					Name:      "is_big",
					Condition: "sum > 10",
					Vars:      map[string]*graph.Binding{"sum": graph.PromiseBinding("sum", "sum")},
					Then: &graph.Case{
						Nodes: []*graph.Node{{
							ID:   "double",
							Task: "add",
							Inputs: map[string]*graph.Binding{
								"x": graph.PromiseBinding("sum", "sum"),
								"y": graph.PromiseBinding("sum", "sum"),
							},
							Outputs: []string{"sum"},
						}},
						Outputs: map[string]*graph.Binding{"result": graph.PromiseBinding("double", "sum")},
					},
					Else: &graph.Case{
						Nodes: []*graph.Node{{
							ID:   "plus",
							Task: "add",
							Inputs: map[string]*graph.Binding{
								"x": graph.PromiseBinding("sum", "sum"),
								"y": graph.LiteralBinding(v1.NewLiteral(int64(100))),
							},
							Outputs: []string{"sum"},
						}},
						Outputs: map[string]*graph.Binding{"result": graph.PromiseBinding("plus", "sum")},
					},
				},
			},
		},
		Outputs: map[string]*graph.Binding{"result": graph.PromiseBinding("check", "result")},
	}
}

// add stands in for a dispatcher of the add task.
func add(calls *[]string) graph.NodeFunc {
	return func(node *graph.Node, inputs v1.LiteralMap) (v1.LiteralMap, error) {
		*calls = append(*calls, node.ID)
		x := inputs["x"].GetInt64Value()
		y := inputs["y"].GetInt64Value()
		return v1.LiteralMap{"sum": v1.NewLiteral(x + y)}, nil
	}
}

func newRegistry(t *testing.T) *v1.Registry {
	t.Helper()
	reg := v1.NewRegistry()
	v1.MustExecutableTask("go-task", "add", v1.Interface{
		Inputs:  []v1.Param{v1.P[int64]("x"), v1.P[int64]("y")},
		Outputs: []v1.Param{v1.P[int64]("sum")},
	}, func(ctx context.Context, inputs map[string]any) (any, error) {
		return inputs["x"].(int64) + inputs["y"].(int64), nil
	}, v1.WithRegistry(reg))
	return reg
}

func TestWalk(t *testing.T) {
	tests := []struct {
		x, y     int64
		expected int64
		calls    []string
	}{
		{x: 10, y: 5, expected: 30, calls: []string{"sum", "double"}},
		{x: 1, y: 2, expected: 103, calls: []string{"sum", "plus"}},
	}

	for _, test := range tests {
		var calls []string
		outputs, err := graph.Walk(calculator(), v1.LiteralMap{
			"x": v1.NewLiteral(test.x),
			"y": v1.NewLiteral(test.y),
		}, add(&calls))
		require.NoError(t, err)
		require.Equal(t, test.calls, calls)
		expected := v1.LiteralMap{"result": v1.NewLiteral(test.expected)}
		require.True(t, expected.Equal(outputs), cmp.Diff(expected, outputs, protocmp.Transform()))
	}

	_, err := graph.Walk(calculator(), v1.LiteralMap{"x": v1.NewLiteral(int64(1))}, add(new([]string)))
	require.ErrorContains(t, err, `missing input "y"`)
}

func TestWalkCollections(t *testing.T) {
	g := &graph.Graph{
		Name: "collect",
		Interface: &v1.TypedInterface{
			Inputs: []v1.Variable{{Name: "name", Type: &v1.LiteralType{Simple: v1.SimpleTypeString}}},
			Outputs: []v1.Variable{
				{Name: "list", Type: &v1.LiteralType{CollectionType: &v1.LiteralType{Simple: v1.SimpleTypeString}}},
				{Name: "map", Type: &v1.LiteralType{MapValueType: &v1.LiteralType{Simple: v1.SimpleTypeString}}},
			},
		},
		Outputs: map[string]*graph.Binding{
			"list": {Collection: []*graph.Binding{
				graph.PromiseBinding(graph.InputNodeID, "name"),
				graph.LiteralBinding(v1.NewLiteral("fixed")),
			}},
			"map": {Map: map[string]*graph.Binding{
				"who": graph.PromiseBinding(graph.InputNodeID, "name"),
			}},
		},
	}
	require.NoError(t, g.Validate(nil))

	outputs, err := graph.Walk(g, v1.LiteralMap{"name": v1.NewLiteral("gopher")}, nil)
	require.NoError(t, err)
	expected := v1.NewLiteralMap(map[string]any{
		"list": []any{"gopher", "fixed"},
		"map":  map[string]any{"who": "gopher"},
	})
	require.True(t, expected.Equal(outputs), cmp.Diff(expected, outputs, protocmp.Transform()))
}

func TestValidate(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, calculator().Validate(reg))

	tests := []struct {
		name   string
		modify func(g *graph.Graph)
		err    string
	}{
		{
			name:   "empty name",
			modify: func(g *graph.Graph) { g.Name = "" },
			err:    "graph name cannot be empty",
		},
		{
			name:   "unknown task",
			modify: func(g *graph.Graph) { g.Nodes[0].Task = "subtract" },
			err:    `task "subtract" is not registered`,
		},
		{
			name:   "missing task input",
			modify: func(g *graph.Graph) { delete(g.Nodes[0].Inputs, "y") },
			err:    `missing input "y" for task "add"`,
		},
		{
			name:   "unknown task input",
			modify: func(g *graph.Graph) { g.Nodes[0].Inputs["z"] = graph.LiteralBinding(v1.NewLiteral(int64(1))) },
			err:    `task "add" has no input "z"`,
		},
		{
			name:   "reference to a later node",
			modify: func(g *graph.Graph) { g.Nodes[0].Inputs["x"] = graph.PromiseBinding("check", "result") },
			err:    `reference to unknown node "check"`,
		},
		{
			name:   "reference to a missing output",
			modify: func(g *graph.Graph) { g.Outputs["result"] = graph.PromiseBinding("sum", "total") },
			err:    `node "sum" has no output "total"`,
		},
		{
			name:   "duplicate node",
			modify: func(g *graph.Graph) { g.Nodes[1].ID = "sum" },
			err:    `duplicate node id "sum"`,
		},
		{
			name:   "negative retries",
			modify: func(g *graph.Graph) { g.Nodes[0].Metadata.Retries.Retries = -1 },
			err:    `node "sum": negative retries -1`,
		},
		{
			name:   "unbound output",
			modify: func(g *graph.Graph) { delete(g.Outputs, "result") },
			err:    `output "result" is not bound`,
		},
		{
			name:   "undeclared output",
			modify: func(g *graph.Graph) { g.Outputs["extra"] = graph.PromiseBinding("sum", "sum") },
			err:    `binding for undeclared output "extra"`,
		},
		{
			name:   "invalid condition",
			modify: func(g *graph.Graph) { g.Nodes[1].Branch.Condition = "sum >" },
			err:    "failed to compile condition",
		},
		{
			name:   "condition over an unbound variable",
			modify: func(g *graph.Graph) { g.Nodes[1].Branch.Condition = "total > 10" },
			err:    "failed to compile condition",
		},
		{
			name:   "non-bool condition",
			modify: func(g *graph.Graph) { g.Nodes[1].Branch.Condition = "'big'" },
			err:    "must be a bool",
		},
		{
			name:   "branch output not bound in every case",
			modify: func(g *graph.Graph) { delete(g.Nodes[1].Branch.Else.Outputs, "result") },
			err:    `branch output "result" is not bound in every case`,
		},
		{
			name:   "case node reused outside the branch",
			modify: func(g *graph.Graph) { g.Outputs["result"] = graph.PromiseBinding("double", "sum") },
			err:    `node "double" has no output "sum"`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := calculator()
			test.modify(g)
			require.ErrorContains(t, g.Validate(reg), test.err)
		})
	}
}

func TestGraphJSON(t *testing.T) {
	g := calculator()
	g.Description = "adds, then scales"

	b, err := json.Marshal(g)
	require.NoError(t, err)

	var decoded graph.Graph
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Empty(t, cmp.Diff(g, &decoded, protocmp.Transform()))

	_, err = json.Marshal(&graph.Binding{})
	require.ErrorContains(t, err, "cannot encode empty binding")

	var binding graph.Binding
	require.ErrorContains(t, json.Unmarshal([]byte(`{"literal":{"nope":1}}`), &binding), "invalid literal binding")
}

func TestNode(t *testing.T) {
	g := calculator()
	for _, id := range []string{"sum", "check", "double", "plus"} {
		n, ok := g.Node(id)
		require.True(t, ok, id)
		require.Equal(t, id, n.ID)
	}
	_, ok := g.Node("missing")
	require.False(t, ok)
}

func TestEvalCondition(t *testing.T) {
	vars := v1.NewLiteralMap(map[string]any{
		"n":      5,
		"result": map[string]any{"status": "ok", "body": map[string]any{"count": 3}},
	})

	tests := []struct {
		condition string
		expected  bool
		err       string
	}{
		{condition: "n > 1", expected: true},
		{condition: "n == 4", expected: false},
		{condition: "result.status == 'ok' && result.body.count == 3", expected: true},
		{condition: "result.missing == 'ok'", err: "failed to evaluate condition"},
		{condition: "n + 1", err: "bool"},
		{condition: "", err: "condition cannot be empty"},
	}

	for _, test := range tests {
		t.Run(test.condition, func(t *testing.T) {
			ok, err := graph.EvalCondition(test.condition, vars)
			if test.err != "" {
				require.ErrorContains(t, err, test.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.expected, ok)
		})
	}
}
