package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"greybridge/message"
	"greybridge/rpcerr"
	"greybridge/value"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, easy to debug with a packet capture.
// Cons: larger frames, and values JSON cannot carry exactly (NaN/Inf floats,
// strings that are not valid UTF-8) are refused instead of being rewritten.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if !isMessage(v) {
		return nil, unsupported("JSONCodec", v)
	}
	if err := checkJSON(v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if !isMessage(v) {
		return unsupported("JSONCodec", v)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("JSONCodec: %w", err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func isMessage(v any) bool {
	switch v.(type) {
	case *message.Invocation, *message.Result, *message.ErrorPayload,
		*message.Hello, *message.HelloAck, *message.Release:
		return true
	}
	return false
}

func validateValue(v value.Value) error {
	return value.Validate(v)
}

// checkJSON refuses values encoding/json would silently alter: invalid UTF-8
// becomes U+FFFD and non-finite floats fail with an untyped error.
func checkJSON(v any) error {
	switch m := v.(type) {
	case *message.Invocation:
		if !utf8.ValidString(m.Class) || !utf8.ValidString(m.Method) {
			return rpcerr.New("JSONCodec", rpcerr.ErrNonMarshalable, "selector is not valid UTF-8")
		}
		for i, a := range m.Args {
			if err := jsonSafe(a); err != nil {
				return rpcerr.New(m.Selector(), rpcerr.ErrNonMarshalable, "argument %d: %v", i, err)
			}
		}
	case *message.Result:
		if err := jsonSafe(m.Value); err != nil {
			return rpcerr.New("JSONCodec", rpcerr.ErrNonMarshalable, "result: %v", err)
		}
	}
	return nil
}

func jsonSafe(v value.Value) error {
	switch v.Kind {
	case value.KindFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return fmt.Errorf("float %v has no JSON form", v.Float)
		}
	case value.KindString:
		if !utf8.ValidString(v.Str) {
			return errors.New("string is not valid UTF-8")
		}
	case value.KindRef:
		if v.Ref != nil && !utf8.ValidString(v.Ref.Class) {
			return errors.New("reference class is not valid UTF-8")
		}
	case value.KindList:
		for i, e := range v.List {
			if err := jsonSafe(e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	case value.KindStruct:
		for _, f := range v.Fields {
			if !utf8.ValidString(f.Name) {
				return fmt.Errorf("field name %q is not valid UTF-8", f.Name)
			}
			if err := jsonSafe(f.Value); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
	}
	return nil
}
