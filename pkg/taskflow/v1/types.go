package taskflowv1

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// SimpleType enumerates the scalar literal types.
type SimpleType int

const (
	SimpleTypeNone SimpleType = iota
	SimpleTypeInteger
	SimpleTypeFloat
	SimpleTypeString
	SimpleTypeBoolean
	SimpleTypeBinary
	SimpleTypeDuration
	SimpleTypeDatetime
	// SimpleTypeStruct accepts any literal; its native form is a JSON-like
	// tree of int64, uint64, float64, string, bool, []byte, []any and map[string]any.
	SimpleTypeStruct
)

var simpleTypeNames = map[SimpleType]string{
	SimpleTypeNone:     "none",
	SimpleTypeInteger:  "integer",
	SimpleTypeFloat:    "float",
	SimpleTypeString:   "string",
	SimpleTypeBoolean:  "boolean",
	SimpleTypeBinary:   "binary",
	SimpleTypeDuration: "duration",
	SimpleTypeDatetime: "datetime",
	SimpleTypeStruct:   "struct",
}

func (s SimpleType) String() string {
	if name, ok := simpleTypeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SimpleType(%d)", int(s))
}

func (s SimpleType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SimpleType) UnmarshalText(text []byte) error {
	st, err := ParseSimpleType(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseSimpleType is the inverse of SimpleType.String.
func ParseSimpleType(name string) (SimpleType, error) {
	for st, n := range simpleTypeNames {
		if n == name {
			return st, nil
		}
	}
	return SimpleTypeNone, fmt.Errorf("taskflowv1: unknown simple type %q", name)
}

// LiteralType is the portable type of a literal. Exactly one of Simple,
// CollectionType or MapValueType is meaningful.
type LiteralType struct {
	Simple         SimpleType   `yaml:"simple,omitempty" json:"simple,omitempty"`
	CollectionType *LiteralType `yaml:"collection,omitempty" json:"collection,omitempty"`
	MapValueType   *LiteralType `yaml:"map,omitempty" json:"map,omitempty"`
}

func (t *LiteralType) String() string {
	switch {
	case t == nil:
		return "<nil>"
	case t.CollectionType != nil:
		return "list<" + t.CollectionType.String() + ">"
	case t.MapValueType != nil:
		return "map<string, " + t.MapValueType.String() + ">"
	default:
		return t.Simple.String()
	}
}

// ParseLiteralType is the inverse of LiteralType.String.
func ParseLiteralType(s string) (*LiteralType, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "list<") && strings.HasSuffix(s, ">"):
		elem, err := ParseLiteralType(s[len("list<") : len(s)-1])
		if err != nil {
			return nil, err
		}
		return &LiteralType{CollectionType: elem}, nil
	case strings.HasPrefix(s, "map<") && strings.HasSuffix(s, ">"):
		key, value, ok := strings.Cut(s[len("map<"):len(s)-1], ",")
		if !ok || strings.TrimSpace(key) != "string" {
			return nil, fmt.Errorf("taskflowv1: map type %q must have string keys", s)
		}
		elem, err := ParseLiteralType(value)
		if err != nil {
			return nil, err
		}
		return &LiteralType{MapValueType: elem}, nil
	}
	simple, err := ParseSimpleType(s)
	if err != nil {
		return nil, err
	}
	return &LiteralType{Simple: simple}, nil
}

// Equal reports whether both types describe the same literal shape.
func (t *LiteralType) Equal(other *LiteralType) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.Simple != other.Simple {
		return false
	}
	return t.CollectionType.Equal(other.CollectionType) && t.MapValueType.Equal(other.MapValueType)
}

var (
	durationType = reflect.TypeFor[time.Duration]()
	timeType     = reflect.TypeFor[time.Time]()
	bytesType    = reflect.TypeFor[[]byte]()
	anyType      = reflect.TypeFor[any]()
)

// LiteralTypeOf derives the literal type for a native Go type.
func LiteralTypeOf(rt reflect.Type) (*LiteralType, error) {
	if rt == nil {
		return nil, fmt.Errorf("taskflowv1: nil native type")
	}
	switch rt {
	case durationType:
		return &LiteralType{Simple: SimpleTypeDuration}, nil
	case timeType:
		return &LiteralType{Simple: SimpleTypeDatetime}, nil
	case bytesType:
		return &LiteralType{Simple: SimpleTypeBinary}, nil
	case anyType:
		return &LiteralType{Simple: SimpleTypeStruct}, nil
	}
	switch rt.Kind() {
	case reflect.Bool:
		return &LiteralType{Simple: SimpleTypeBoolean}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &LiteralType{Simple: SimpleTypeInteger}, nil
	case reflect.Float32, reflect.Float64:
		return &LiteralType{Simple: SimpleTypeFloat}, nil
	case reflect.String:
		return &LiteralType{Simple: SimpleTypeString}, nil
	case reflect.Slice, reflect.Array:
		elem, err := LiteralTypeOf(rt.Elem())
		if err != nil {
			return nil, fmt.Errorf("list element: %w", err)
		}
		return &LiteralType{CollectionType: elem}, nil
	case reflect.Map:
		if rt.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("taskflowv1: map keys must be strings, got %s", rt.Key())
		}
		elem, err := LiteralTypeOf(rt.Elem())
		if err != nil {
			return nil, fmt.Errorf("map value: %w", err)
		}
		return &LiteralType{MapValueType: elem}, nil
	default:
		return nil, fmt.Errorf("taskflowv1: unsupported native type %s", rt)
	}
}

// Variable is a named, typed interface slot.
type Variable struct {
	Name        string       `yaml:"name" json:"name"`
	Type        *LiteralType `yaml:"type" json:"type"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// TypedInterface is the portable declaration of a task's inputs and outputs.
// Both slices are in declaration order, which is the only order used when
// binding positional outputs.
type TypedInterface struct {
	Inputs  []Variable `yaml:"inputs" json:"inputs"`
	Outputs []Variable `yaml:"outputs" json:"outputs"`
}

func (i *TypedInterface) InputNames() []string  { return variableNames(i.Inputs) }
func (i *TypedInterface) OutputNames() []string { return variableNames(i.Outputs) }

func (i *TypedInterface) Input(name string) (Variable, bool)  { return findVariable(i.Inputs, name) }
func (i *TypedInterface) Output(name string) (Variable, bool) { return findVariable(i.Outputs, name) }

func variableNames(vars []Variable) []string {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	return names
}

func findVariable(vars []Variable, name string) (Variable, bool) {
	for _, v := range vars {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// Param is a named native type in an Interface.
type Param struct {
	Name        string
	Type        reflect.Type
	Description string
}

// P declares a parameter of native type T.
//
//	taskflowv1.Interface{
//		Inputs:  []taskflowv1.Param{taskflowv1.P[int]("x"), taskflowv1.P[int]("y")},
//		Outputs: []taskflowv1.Param{taskflowv1.P[int]("sum")},
//	}
func P[T any](name string) Param {
	return Param{Name: name, Type: reflect.TypeFor[T]()}
}

// Interface is the native declaration of a task's inputs and outputs.
type Interface struct {
	Inputs  []Param
	Outputs []Param
}

func (i *Interface) Input(name string) (Param, bool)  { return findParam(i.Inputs, name) }
func (i *Interface) Output(name string) (Param, bool) { return findParam(i.Outputs, name) }

func findParam(params []Param, name string) (Param, bool) {
	for _, p := range params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Typed converts the native interface into its portable form, preserving
// declaration order.
func (i *Interface) Typed() (*TypedInterface, error) {
	inputs, err := typedVariables("input", i.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := typedVariables("output", i.Outputs)
	if err != nil {
		return nil, err
	}
	return &TypedInterface{Inputs: inputs, Outputs: outputs}, nil
}

func typedVariables(kind string, params []Param) ([]Variable, error) {
	vars := make([]Variable, 0, len(params))
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("taskflowv1: %s name cannot be empty", kind)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("taskflowv1: duplicate %s %q", kind, p.Name)
		}
		seen[p.Name] = struct{}{}
		lt, err := LiteralTypeOf(p.Type)
		if err != nil {
			return nil, fmt.Errorf("taskflowv1: %s %q: %w", kind, p.Name, err)
		}
		vars = append(vars, Variable{Name: p.Name, Type: lt, Description: p.Description})
	}
	return vars, nil
}
