package taskflowv1

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Translator converts between native values and literals. It is the single
// source of truth for encoding rules; tasks never inspect literals themselves.
type Translator interface {
	// ToLiteral converts v, declared as native type nt, into a literal of type lt.
	ToLiteral(ctx context.Context, v any, nt reflect.Type, lt *LiteralType) (*expr.Value, error)
	// ToNative converts a literal into a value of native type nt.
	ToNative(ctx context.Context, lit *expr.Value, nt reflect.Type) (any, error)
}

// TypeEngine is the default Translator. It delegates the encoding work to the
// CEL type adapter, which already knows how to move Go values to and from the
// google.api.expr.v1alpha1.Value representation.
type TypeEngine struct {
	Adapter types.Adapter
}

// DefaultTypeEngine is the Translator used when a task is not given one.
var DefaultTypeEngine = &TypeEngine{Adapter: TypeAdapter}

var _ Translator = (*TypeEngine)(nil)

func (e *TypeEngine) adapter() types.Adapter {
	if e == nil || e.Adapter == nil {
		return TypeAdapter
	}
	return e.Adapter
}

// ToLiteral converts v, declared as nt, into a literal of type lt.
func (e *TypeEngine) ToLiteral(ctx context.Context, v any, nt reflect.Type, lt *LiteralType) (*expr.Value, error) {
	if lt == nil {
		return nil, fmt.Errorf("missing literal type")
	}
	if v == nil {
		if lt.Simple == SimpleTypeStruct {
			return NewLiteral(nil), nil
		}
		return nil, fmt.Errorf("nil value for non-nullable type %s", lt)
	}

	if lt.Simple == SimpleTypeStruct {
		return e.anyToLiteral(v)
	}

	rv := reflect.ValueOf(v)
	switch {
	case lt.CollectionType != nil:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("expected a list for %s, got %s", lt, rv.Type())
		}
		values := make([]*expr.Value, rv.Len())
		for i := range rv.Len() {
			elem, err := e.ToLiteral(ctx, rv.Index(i).Interface(), elemType(nt, reflect.Slice), lt.CollectionType)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			values[i] = elem
		}
		return &expr.Value{Kind: &expr.Value_ListValue{ListValue: &expr.ListValue{Values: values}}}, nil
	case lt.MapValueType != nil:
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("expected a string keyed map for %s, got %s", lt, rv.Type())
		}
		keys := rv.MapKeys()
		names := make([]string, len(keys))
		byName := make(map[string]reflect.Value, len(keys))
		for i, k := range keys {
			names[i] = k.String()
			byName[k.String()] = rv.MapIndex(k)
		}
		entries := make([]*expr.MapValue_Entry, 0, len(keys))
		for _, name := range sortedStrings(names) {
			elem, err := e.ToLiteral(ctx, byName[name].Interface(), elemType(nt, reflect.Map), lt.MapValueType)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", name, err)
			}
			entries = append(entries, &expr.MapValue_Entry{Key: NewLiteral(name), Value: elem})
		}
		return &expr.Value{Kind: &expr.Value_MapValue{MapValue: &expr.MapValue{Entries: entries}}}, nil
	}

	if nt != nil && rv.Type() != nt {
		if !rv.Type().ConvertibleTo(nt) || !convertibleKinds(rv.Type(), nt) {
			return nil, fmt.Errorf("value of type %s is not assignable to %s", rv.Type(), nt)
		}
		rv = rv.Convert(nt)
	}

	refVal := e.adapter().NativeToValue(rv.Interface())
	if types.IsError(refVal) {
		return nil, fmt.Errorf("failed to adapt %s: %v", rv.Type(), refVal)
	}
	lit, err := cel.RefValueToValue(refVal)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s to literal: %w", rv.Type(), err)
	}
	if !literalMatches(lit, lt) {
		return nil, fmt.Errorf("value of type %s does not produce a %s literal", rv.Type(), lt)
	}
	return lit, nil
}

// ToNative converts lit into a value of type nt. Null elements of lists and
// maps become zero values.
func (e *TypeEngine) ToNative(ctx context.Context, lit *expr.Value, nt reflect.Type) (any, error) {
	if lit == nil {
		return nil, fmt.Errorf("nil literal")
	}
	if nt == nil || nt == anyType {
		return LiteralToAny(lit)
	}

	switch nt.Kind() {
	case reflect.Slice:
		if nt != bytesType {
			list, ok := lit.GetKind().(*expr.Value_ListValue)
			if !ok {
				return nil, fmt.Errorf("expected a list literal for %s, got %s", nt, literalKind(lit))
			}
			out := reflect.MakeSlice(nt, 0, len(list.ListValue.GetValues()))
			for i, elem := range list.ListValue.GetValues() {
				v, err := e.ToNative(ctx, elem, nt.Elem())
				if err != nil {
					return nil, fmt.Errorf("index %d: %w", i, err)
				}
				out = reflect.Append(out, nativeValue(v, nt.Elem()))
			}
			return out.Interface(), nil
		}
	case reflect.Map:
		mv, ok := lit.GetKind().(*expr.Value_MapValue)
		if !ok {
			return nil, fmt.Errorf("expected a map literal for %s, got %s", nt, literalKind(lit))
		}
		out := reflect.MakeMapWithSize(nt, len(mv.MapValue.GetEntries()))
		for _, entry := range mv.MapValue.GetEntries() {
			key, ok := entry.GetKey().GetKind().(*expr.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("map keys must be strings, got %s", literalKind(entry.GetKey()))
			}
			v, err := e.ToNative(ctx, entry.GetValue(), nt.Elem())
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key.StringValue, err)
			}
			out.SetMapIndex(reflect.ValueOf(key.StringValue).Convert(nt.Key()), nativeValue(v, nt.Elem()))
		}
		return out.Interface(), nil
	}

	if isIntegerKind(nt.Kind()) && nt != durationType {
		return integerToNative(lit, nt)
	}

	refVal, err := cel.ValueToRefValue(e.adapter(), lit)
	if err != nil {
		return nil, fmt.Errorf("failed to read literal: %w", err)
	}
	if !refValMatchesKind(refVal, nt) {
		return nil, fmt.Errorf("cannot convert %s literal to %s", literalKind(lit), nt)
	}
	v, err := refVal.ConvertToNative(nt)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %s literal to %s: %w", literalKind(lit), nt, err)
	}
	return v, nil
}

// nativeValue wraps v for storage in a container of element type t. A nil
// value, such as a null literal read as any, becomes the zero value of t.
func nativeValue(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	return reflect.ValueOf(v)
}

// anyToLiteral handles values declared as `any`: the literal shape follows the
// dynamic type of the value.
func (e *TypeEngine) anyToLiteral(v any) (*expr.Value, error) {
	switch val := v.(type) {
	case *expr.Value:
		return val, nil
	case []any:
		values := make([]*expr.Value, len(val))
		for i, elem := range val {
			lit, err := e.anyToLiteral(elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			values[i] = lit
		}
		return &expr.Value{Kind: &expr.Value_ListValue{ListValue: &expr.ListValue{Values: values}}}, nil
	case map[string]any:
		names := make([]string, 0, len(val))
		for k := range val {
			names = append(names, k)
		}
		entries := make([]*expr.MapValue_Entry, 0, len(val))
		for _, name := range sortedStrings(names) {
			lit, err := e.anyToLiteral(val[name])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", name, err)
			}
			entries = append(entries, &expr.MapValue_Entry{Key: NewLiteral(name), Value: lit})
		}
		return &expr.Value{Kind: &expr.Value_MapValue{MapValue: &expr.MapValue{Entries: entries}}}, nil
	case nil:
		return NewLiteral(nil), nil
	}
	refVal := e.adapter().NativeToValue(v)
	if types.IsError(refVal) {
		return nil, fmt.Errorf("failed to adapt %T: %v", v, refVal)
	}
	return cel.RefValueToValue(refVal)
}

// LiteralToAny converts a literal into a JSON-like native tree.
func LiteralToAny(lit *expr.Value) (any, error) {
	switch k := lit.GetKind().(type) {
	case *expr.Value_NullValue:
		return nil, nil
	case *expr.Value_BoolValue:
		return k.BoolValue, nil
	case *expr.Value_Int64Value:
		return k.Int64Value, nil
	case *expr.Value_Uint64Value:
		return k.Uint64Value, nil
	case *expr.Value_DoubleValue:
		return k.DoubleValue, nil
	case *expr.Value_StringValue:
		return k.StringValue, nil
	case *expr.Value_BytesValue:
		return k.BytesValue, nil
	case *expr.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, elem := range k.ListValue.GetValues() {
			v, err := LiteralToAny(elem)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *expr.Value_MapValue:
		out := make(map[string]any, len(k.MapValue.GetEntries()))
		for _, entry := range k.MapValue.GetEntries() {
			key, ok := entry.GetKey().GetKind().(*expr.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("map keys must be strings, got %s", literalKind(entry.GetKey()))
			}
			v, err := LiteralToAny(entry.GetValue())
			if err != nil {
				return nil, err
			}
			out[key.StringValue] = v
		}
		return out, nil
	case *expr.Value_ObjectValue:
		msg, err := anypb.UnmarshalNew(k.ObjectValue, proto.UnmarshalOptions{DiscardUnknown: true})
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *durationpb.Duration:
			return m.AsDuration(), nil
		case *timestamppb.Timestamp:
			return m.AsTime(), nil
		default:
			return msg, nil
		}
	default:
		return nil, fmt.Errorf("unsupported literal kind %T", k)
	}
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// integerToNative converts signed and unsigned integer literals into any Go
// integer type, failing on overflow. CEL narrows int to 32 bits and refuses to
// cross signedness, neither of which suits decoded inputs.
func integerToNative(lit *expr.Value, nt reflect.Type) (any, error) {
	out := reflect.New(nt).Elem()
	switch k := lit.GetKind().(type) {
	case *expr.Value_Int64Value:
		if out.CanInt() {
			if out.OverflowInt(k.Int64Value) {
				return nil, fmt.Errorf("integer %d overflows %s", k.Int64Value, nt)
			}
			out.SetInt(k.Int64Value)
			return out.Interface(), nil
		}
		if k.Int64Value < 0 || out.OverflowUint(uint64(k.Int64Value)) {
			return nil, fmt.Errorf("integer %d overflows %s", k.Int64Value, nt)
		}
		out.SetUint(uint64(k.Int64Value))
		return out.Interface(), nil
	case *expr.Value_Uint64Value:
		if out.CanUint() {
			if out.OverflowUint(k.Uint64Value) {
				return nil, fmt.Errorf("integer %d overflows %s", k.Uint64Value, nt)
			}
			out.SetUint(k.Uint64Value)
			return out.Interface(), nil
		}
		if k.Uint64Value > math.MaxInt64 || out.OverflowInt(int64(k.Uint64Value)) {
			return nil, fmt.Errorf("integer %d overflows %s", k.Uint64Value, nt)
		}
		out.SetInt(int64(k.Uint64Value))
		return out.Interface(), nil
	default:
		return nil, fmt.Errorf("expected an integer literal for %s, got %s", nt, literalKind(lit))
	}
}

// elemType returns the element type of nt when it is of the given kind.
func elemType(nt reflect.Type, kind reflect.Kind) reflect.Type {
	if nt == nil {
		return nil
	}
	if nt.Kind() == kind || (kind == reflect.Slice && nt.Kind() == reflect.Array) {
		return nt.Elem()
	}
	return nil
}

func sortedStrings(s []string) []string {
	slices.Sort(s)
	return s
}

// literalMatches reports whether a scalar literal is of the declared type.
func literalMatches(lit *expr.Value, lt *LiteralType) bool {
	switch k := lit.GetKind().(type) {
	case *expr.Value_BoolValue:
		return lt.Simple == SimpleTypeBoolean
	case *expr.Value_Int64Value, *expr.Value_Uint64Value:
		return lt.Simple == SimpleTypeInteger
	case *expr.Value_DoubleValue:
		return lt.Simple == SimpleTypeFloat
	case *expr.Value_StringValue:
		return lt.Simple == SimpleTypeString
	case *expr.Value_BytesValue:
		return lt.Simple == SimpleTypeBinary
	case *expr.Value_ObjectValue:
		switch k.ObjectValue.MessageName() {
		case "google.protobuf.Duration":
			return lt.Simple == SimpleTypeDuration
		case "google.protobuf.Timestamp":
			return lt.Simple == SimpleTypeDatetime
		}
	}
	return false
}

// refValMatchesKind rejects conversions CEL would otherwise allow implicitly,
// like bool to string.
func refValMatchesKind(v ref.Val, nt reflect.Type) bool {
	switch v.(type) {
	case types.Bool:
		return nt.Kind() == reflect.Bool
	case types.Int, types.Uint:
		return isIntegerKind(nt.Kind()) && nt != durationType
	case types.Double:
		return nt.Kind() == reflect.Float32 || nt.Kind() == reflect.Float64
	case types.String:
		return nt.Kind() == reflect.String
	case types.Bytes:
		return nt == bytesType
	case types.Duration:
		return nt == durationType
	case types.Timestamp:
		return nt == timeType
	}
	return true
}

// convertibleKinds limits implicit conversions to values of the same family,
// e.g. uint64 to int from decoded YAML, never int to string.
func convertibleKinds(from, to reflect.Type) bool {
	family := func(t reflect.Type) int {
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return 1
		case reflect.Float32, reflect.Float64:
			return 2
		default:
			return int(t.Kind()) + 10
		}
	}
	if from == durationType || to == durationType {
		return from == to
	}
	return family(from) == family(to)
}

func literalKind(lit *expr.Value) string {
	switch lit.GetKind().(type) {
	case *expr.Value_NullValue:
		return "null"
	case *expr.Value_BoolValue:
		return "bool"
	case *expr.Value_Int64Value:
		return "int"
	case *expr.Value_Uint64Value:
		return "uint"
	case *expr.Value_DoubleValue:
		return "double"
	case *expr.Value_StringValue:
		return "string"
	case *expr.Value_BytesValue:
		return "bytes"
	case *expr.Value_ListValue:
		return "list"
	case *expr.Value_MapValue:
		return "map"
	case *expr.Value_ObjectValue:
		return lit.GetObjectValue().GetTypeUrl()
	default:
		return fmt.Sprintf("%T", lit.GetKind())
	}
}
