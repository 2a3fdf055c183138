// Package codec is the wire marshaler: it turns messages into frame bodies and
// back. Two formats exist; both processes always run matching versions, so
// neither is a stable cross-version format.
package codec

import (
	"fmt"

	"greybridge/message"
	"greybridge/rpcerr"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "binary":
		return CodecTypeBinary, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}

// EncodeInvocation validates every argument before encoding so an unsupported
// value fails fast instead of producing a partial frame.
func EncodeInvocation(c Codec, inv *message.Invocation) ([]byte, error) {
	if err := validateArgs(inv); err != nil {
		return nil, err
	}
	return c.Encode(inv)
}

func DecodeInvocation(c Codec, data []byte) (*message.Invocation, error) {
	inv := &message.Invocation{}
	if err := c.Decode(data, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func EncodeResult(c Codec, res *message.Result) ([]byte, error) {
	return c.Encode(res)
}

func DecodeResult(c Codec, data []byte) (*message.Result, error) {
	res := &message.Result{}
	if err := c.Decode(data, res); err != nil {
		return nil, err
	}
	return res, nil
}

func EncodeError(c Codec, p *message.ErrorPayload) ([]byte, error) {
	return c.Encode(p)
}

func DecodeError(c Codec, data []byte) (*message.ErrorPayload, error) {
	p := &message.ErrorPayload{}
	if err := c.Decode(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

func validateArgs(inv *message.Invocation) error {
	for i, a := range inv.Args {
		if err := validateValue(a); err != nil {
			return rpcerr.New(inv.Selector(), rpcerr.ErrNonMarshalable, "argument %d: %v", i, err)
		}
	}
	return nil
}

func unsupported(codecName string, v any) error {
	return rpcerr.New(codecName, rpcerr.ErrNonMarshalable, "%T is not a message", v)
}
