// Package value defines the boxed, typed values that travel across the process
// boundary as invocation arguments and results.
//
// Objects never cross the boundary by copy: a Ref names an object by the handle
// its owning process exported it under.
package value

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"

	"greybridge/rpcerr"
)

// MaxDepth bounds the nesting of List and Struct values.
const MaxDepth = 32

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindNull   Kind = 0
	KindBool   Kind = 1
	KindInt    Kind = 2
	KindUint   Kind = 3
	KindFloat  Kind = 4
	KindString Kind = 5
	KindBytes  Kind = 6
	KindRef    Kind = 7
	KindList   Kind = 8
	KindStruct Kind = 9

	// KindAny is only used as an expected return type: accept any kind.
	KindAny Kind = 0xff
)

var kindNames = map[Kind]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindUint:   "uint",
	KindFloat:  "float",
	KindString: "string",
	KindBytes:  "bytes",
	KindRef:    "ref",
	KindList:   "list",
	KindStruct: "struct",
	KindAny:    "any",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a concrete wire kind.
func (k Kind) Valid() bool {
	return k <= KindStruct
}

// Side names the process that owns a referenced object.
type Side uint8

const (
	SideTest Side = 1
	SideApp  Side = 2
)

func (s Side) String() string {
	switch s {
	case SideTest:
		return "test"
	case SideApp:
		return "app"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Peer returns the other side of the boundary.
func (s Side) Peer() Side {
	if s == SideTest {
		return SideApp
	}
	return SideTest
}

// Ref is an opaque reference to an object exported by Owner.
type Ref struct {
	Owner  Side   `json:"o"`
	Handle uint64 `json:"h"`
	Class  string `json:"c,omitempty"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%d(%s)", r.Owner, r.Handle, r.Class)
}

// Field is one named member of a Struct value. Field order is significant.
type Field struct {
	Name  string `json:"n"`
	Value Value  `json:"v"`
}

// Value is a boxed, typed wire value. Only the member selected by Kind is
// meaningful.
type Value struct {
	Kind   Kind    `json:"k"`
	Bool   bool    `json:"b,omitempty"`
	Int    int64   `json:"i,omitempty"`
	Uint   uint64  `json:"u,omitempty"`
	Float  float64 `json:"f,omitempty"`
	Str    string  `json:"s,omitempty"`
	Bytes  []byte  `json:"y,omitempty"`
	Ref    *Ref    `json:"r,omitempty"`
	List   []Value `json:"l,omitempty"`
	Fields []Field `json:"m,omitempty"`
}

func Null() Value              { return Value{Kind: KindNull} }
func Bool(b bool) Value        { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value        { return Value{Kind: KindInt, Int: i} }
func Uint(u uint64) Value      { return Value{Kind: KindUint, Uint: u} }
func Float(f float64) Value    { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value    { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value     { return Value{Kind: KindBytes, Bytes: b} }
func List(vs ...Value) Value   { return Value{Kind: KindList, List: vs} }
func Struct(fs ...Field) Value { return Value{Kind: KindStruct, Fields: fs} }

// Of wraps a reference.
func Of(r Ref) Value {
	return Value{Kind: KindRef, Ref: &r}
}

// F is shorthand for building a Field.
func F(name string, v Value) Field {
	return Field{Name: name, Value: v}
}

// Get returns the first field named name of a Struct value.
func (v Value) Get(name string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// From boxes a native Go value. Pointers, channels, functions and Go structs
// are rejected: objects cross the boundary only as exported references.
func From(x any) (Value, error) {
	return from(x, 0)
}

// MustFrom is From for literals known to be marshalable.
func MustFrom(x any) Value {
	v, err := From(x)
	if err != nil {
		panic(err)
	}
	return v
}

func from(x any, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, rpcerr.New("box", rpcerr.ErrNonMarshalable, "nesting exceeds depth %d", MaxDepth)
	}
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, Validate(t)
	case *Value:
		if t == nil {
			return Null(), nil
		}
		return *t, Validate(*t)
	case Ref:
		return Of(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Uint(uint64(t)), nil
	case uint8:
		return Uint(uint64(t)), nil
	case uint16:
		return Uint(uint64(t)), nil
	case uint32:
		return Uint(uint64(t)), nil
	case uint64:
		return Uint(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	}

	// Named types such as time.Duration fall through to their underlying kind.
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Uint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return Bytes(rv.Bytes()), nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return List(), nil
		}
		out := make([]Value, rv.Len())
		for i := range out {
			v, err := from(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return List(out...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, rpcerr.New("box", rpcerr.ErrNonMarshalable, "map key type %s", rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		// Sorted keys keep encoding deterministic.
		sort.Strings(keys)
		fields := make([]Field, len(keys))
		for i, k := range keys {
			v, err := from(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface(), depth+1)
			if err != nil {
				return Value{}, err
			}
			fields[i] = F(k, v)
		}
		return Struct(fields...), nil
	}
	return Value{}, rpcerr.New("box", rpcerr.ErrNonMarshalable, "%T", x)
}

// Validate checks kinds and nesting depth of a hand-built Value.
func Validate(v Value) error {
	return validate(v, 0)
}

func validate(v Value, depth int) error {
	if depth > MaxDepth {
		return rpcerr.New("validate", rpcerr.ErrNonMarshalable, "nesting exceeds depth %d", MaxDepth)
	}
	if !v.Kind.Valid() {
		return rpcerr.New("validate", rpcerr.ErrNonMarshalable, "invalid %s", v.Kind)
	}
	switch v.Kind {
	case KindRef:
		if v.Ref == nil {
			return rpcerr.New("validate", rpcerr.ErrNonMarshalable, "ref value without reference")
		}
	case KindList:
		for _, e := range v.List {
			if err := validate(e, depth+1); err != nil {
				return err
			}
		}
	case KindStruct:
		for _, f := range v.Fields {
			if err := validate(f.Value, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Interface unboxes v into native Go values: int64, uint64, float64, string,
// []byte, Ref, []any and map[string]any.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindUint:
		return v.Uint
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindRef:
		if v.Ref == nil {
			return nil
		}
		return *v.Ref
	case KindList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = e.Interface()
		}
		return out
	case KindStruct:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Name] = f.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports logical equality. Empty and nil byte slices and lists are
// equal; floats compare by bit pattern.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindUint:
		return v.Uint == o.Uint
	case KindFloat:
		return math.Float64bits(v.Float) == math.Float64bits(o.Float)
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindRef:
		if v.Ref == nil || o.Ref == nil {
			return v.Ref == o.Ref
		}
		return *v.Ref == *o.Ref
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindStruct:
		if len(v.Fields) != len(o.Fields) {
			return false
		}
		for i := range v.Fields {
			if v.Fields[i].Name != o.Fields[i].Name || !v.Fields[i].Value.Equal(o.Fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindRef:
		if v.Ref != nil {
			return v.Ref.String()
		}
	}
	return fmt.Sprintf("%v", v.Interface())
}
