package tests

import (
	"github.com/sirupsen/logrus"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/flowfile"
	"github.com/picatz/taskflow/pkg/taskflow/v1/graph"
	"github.com/picatz/taskflow/pkg/taskflow/v1/library"
)

// Scenario is a flowfile together with the inputs it is run with and the
// outputs it must produce.
type Scenario struct {
	// Name of the scenario, used for test identification.
	Name string
	// Flowfile is the YAML document of the graph under test.
	Flowfile string
	// Inputs are the workflow inputs, as native values.
	Inputs map[string]any
	// Expected are the workflow outputs, as native values.
	Expected map[string]any
}

// Graph parses and validates the scenario's flowfile against reg.
func (s Scenario) Graph(reg *v1.Registry) (*graph.Graph, error) {
	return flowfile.Load([]byte(s.Flowfile), reg)
}

func (s Scenario) InputLiterals() v1.LiteralMap {
	if s.Inputs == nil {
		return v1.LiteralMap{}
	}
	return v1.NewLiteralMap(s.Inputs)
}

func (s Scenario) ExpectedLiterals() v1.LiteralMap {
	if s.Expected == nil {
		return v1.LiteralMap{}
	}
	return v1.NewLiteralMap(s.Expected)
}

// Registry returns a registry holding the built-in library tasks.
func Registry(logger logrus.FieldLogger) (*v1.Registry, error) {
	reg := v1.NewRegistry()
	if _, err := library.Register(reg, library.WithLogger(logger)); err != nil {
		return nil, err
	}
	return reg, nil
}

// Scenarios is a collection of graphs used for unit and integration testing.
//
// This allows us to share the same graphs for execution with and without Temporal
// and ensure that execution behaves consistently across local and Temporal-based execution
// scenarios without duplicating the graph definitions.
var Scenarios = []Scenario{
	{
		Name: "simple echo workflow",
		Flowfile: `
name: simple
nodes:
  - id: a
    task: echo
    inputs:
      message: hello world
outputs:
  - name: result
    type: string
    value: ${a.result}
`,
		Expected: map[string]any{"result": "hello world"},
	},
	{
		Name: "simple multi-step echo workflow",
		Flowfile: `
name: simple
inputs:
  - name: message
    type: string
nodes:
  - id: a
    task: echo
    inputs:
      message: ${inputs.message}
  - id: b
    task: echo
    inputs:
      message: ${a.result}
outputs:
  - name: result
    type: string
    value: ${b.result}
`,
		Inputs:   map[string]any{"message": "hello world"},
		Expected: map[string]any{"result": "hello world"},
	},
	{
		Name: "simple printf workflow",
		Flowfile: `
name: simple
nodes:
  - id: a
    task: printf
    inputs:
      format: "%s %s"
      args:
        - hello
        - world
outputs:
  - name: result
    type: string
    value: ${a.result}
`,
		Expected: map[string]any{"result": "hello world"},
	},
	{
		Name: "add workflow",
		Flowfile: `
name: add
inputs:
  - name: x
    type: integer
  - name: y
    type: integer
nodes:
  - id: a
    task: add
    retries: 2
    timeout: 10s
    inputs:
      x: ${inputs.x}
      y: ${inputs.y}
outputs:
  - name: sum
    type: integer
    value: ${a.sum}
`,
		Inputs:   map[string]any{"x": 2, "y": 3},
		Expected: map[string]any{"sum": 5},
	},
	{
		Name: "branch workflow",
		Flowfile: `
name: calculate
inputs:
  - name: x
    type: integer
  - name: y
    type: integer
nodes:
  - id: sum
    task: add
    inputs:
      x: ${inputs.x}
      y: ${inputs.y}
  - id: check
    branch:
      name: is_big
      condition: sum > 10
      vars:
        sum: ${sum.sum}
      outputs: [result]
      then:
        nodes:
          - id: double
            task: add
            inputs:
              x: ${sum.sum}
              y: ${sum.sum}
        outputs:
          result: ${double.sum}
      else:
        nodes:
          - id: plus
            task: add
            inputs:
              x: ${sum.sum}
              y: 100
        outputs:
          result: ${plus.sum}
outputs:
  - name: result
    type: integer
    value: ${check.result}
`,
		Inputs:   map[string]any{"x": 10, "y": 5},
		Expected: map[string]any{"result": 30},
	},
	{
		Name: "cel expression workflow",
		Flowfile: `
name: simple
nodes:
  - id: a
    task: echo
    inputs:
      message: hello
  - id: b
    task: cel
    inputs:
      expr: vars.greeting + '!'
      vars:
        greeting: ${a.result}
outputs:
  - name: result
    type: struct
    value: ${b.result}
`,
		Expected: map[string]any{"result": "hello!"},
	},
}
