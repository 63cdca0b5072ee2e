package taskflowv1

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/google/cel-go/common/types"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// TypeAdapter is the default type adapter used to move values between
// Go and CEL, which in turn is used to move values between Go and literals.
var TypeAdapter = types.DefaultTypeAdapter

// LiteralMap is the unit of exchange between a task and its body: one literal
// per declared interface variable, keyed by variable name.
type LiteralMap map[string]*expr.Value

func (LiteralMap) isDispatchResult() {}

// Names returns the sorted variable names of the map.
func (m LiteralMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Equal reports whether both maps hold the same names and equal literals.
func (m LiteralMap) Equal(other LiteralMap) bool {
	if len(m) != len(other) {
		return false
	}
	for name, lit := range m {
		otherLit, ok := other[name]
		if !ok || !proto.Equal(lit, otherLit) {
			return false
		}
	}
	return true
}

// ToProto converts the map into a google.api.expr.v1alpha1.MapValue with string
// keys, ordered by name so the encoding is stable.
func (m LiteralMap) ToProto() *expr.MapValue {
	mv := &expr.MapValue{
		Entries: make([]*expr.MapValue_Entry, 0, len(m)),
	}
	for _, name := range m.Names() {
		mv.Entries = append(mv.Entries, &expr.MapValue_Entry{
			Key:   &expr.Value{Kind: &expr.Value_StringValue{StringValue: name}},
			Value: m[name],
		})
	}
	return mv
}

// LiteralMapFromProto converts a MapValue with string keys back into a LiteralMap.
func LiteralMapFromProto(mv *expr.MapValue) (LiteralMap, error) {
	m := make(LiteralMap, len(mv.GetEntries()))
	for _, entry := range mv.GetEntries() {
		key, ok := entry.GetKey().GetKind().(*expr.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("taskflowv1: literal map key must be a string, got %T", entry.GetKey().GetKind())
		}
		if _, dup := m[key.StringValue]; dup {
			return nil, fmt.Errorf("taskflowv1: duplicate literal map key %q", key.StringValue)
		}
		m[key.StringValue] = entry.GetValue()
	}
	return m, nil
}

// NewLiteralList builds a list literal out of the given native values.
func NewLiteralList(vals ...any) *expr.Value {
	literals := make([]*expr.Value, 0, len(vals))
	for _, v := range vals {
		literals = append(literals, NewLiteral(v))
	}
	return &expr.Value{
		Kind: &expr.Value_ListValue{
			ListValue: &expr.ListValue{
				Values: literals,
			},
		},
	}
}

// NewLiteral builds a literal for common native values. It panics on values
// it cannot represent, so it is meant for constants in code and tests; use a
// Translator for anything that comes from user input.
func NewLiteral(val any) *expr.Value {
	switch v := val.(type) {
	case nil:
		return &expr.Value{Kind: &expr.Value_NullValue{}}
	case *expr.Value:
		return v
	case string:
		return &expr.Value{Kind: &expr.Value_StringValue{StringValue: v}}
	case int:
		return &expr.Value{Kind: &expr.Value_Int64Value{Int64Value: int64(v)}}
	case int32:
		return &expr.Value{Kind: &expr.Value_Int64Value{Int64Value: int64(v)}}
	case int64:
		return &expr.Value{Kind: &expr.Value_Int64Value{Int64Value: v}}
	case uint64:
		return &expr.Value{Kind: &expr.Value_Uint64Value{Uint64Value: v}}
	case float32:
		return &expr.Value{Kind: &expr.Value_DoubleValue{DoubleValue: float64(v)}}
	case float64:
		return &expr.Value{Kind: &expr.Value_DoubleValue{DoubleValue: v}}
	case bool:
		return &expr.Value{Kind: &expr.Value_BoolValue{BoolValue: v}}
	case []byte:
		return &expr.Value{Kind: &expr.Value_BytesValue{BytesValue: v}}
	case time.Duration:
		return mustObjectLiteral(durationpb.New(v))
	case time.Time:
		return mustObjectLiteral(timestamppb.New(v))
	case []any:
		return NewLiteralList(v...)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		entries := make([]*expr.MapValue_Entry, 0, len(v))
		for _, k := range keys {
			entries = append(entries, &expr.MapValue_Entry{
				Key:   NewLiteral(k),
				Value: NewLiteral(v[k]),
			})
		}
		return &expr.Value{Kind: &expr.Value_MapValue{MapValue: &expr.MapValue{Entries: entries}}}
	default:
		// Handle other slice types using reflection
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			slice := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				slice[i] = rv.Index(i).Interface()
			}
			return NewLiteralList(slice...)
		}
		panic(fmt.Sprintf("taskflowv1: unsupported type for new literal: %T", v))
	}
}

// NewLiteralMap builds a LiteralMap from native constants using NewLiteral.
func NewLiteralMap(vals map[string]any) LiteralMap {
	if vals == nil {
		return nil
	}
	m := make(LiteralMap, len(vals))
	for name, val := range vals {
		m[name] = NewLiteral(val)
	}
	return m
}

func mustObjectLiteral(msg proto.Message) *expr.Value {
	a, err := anypb.New(msg)
	if err != nil {
		panic(fmt.Sprintf("taskflowv1: failed to pack %T: %v", msg, err))
	}
	return &expr.Value{Kind: &expr.Value_ObjectValue{ObjectValue: a}}
}
