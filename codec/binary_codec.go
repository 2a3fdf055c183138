package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"greybridge/message"
	"greybridge/rpcerr"
	"greybridge/value"
)

// BinaryCodec is the default wire format. Layout per message:
//
//	Invocation:   target uvarint | class str | method str | returns 1 | timeout 4 | argc uvarint | args...
//	Result:       value
//	ErrorPayload: kind 1 | name str | message str | class str | method str
//	Hello:        session str | version 1 | side 1 | app str
//	HelloAck:     session str | accepted 1 | side 1 | reason str
//	Release:      count uvarint | handle uvarint...
//
// Strings are uvarint length-prefixed; values use the value package layout.
type BinaryCodec struct{}

var errTrailing = errors.New("BinaryCodec: trailing bytes after message")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Invocation:
		buf := binary.AppendUvarint(nil, msg.Target)
		buf = value.AppendString(buf, msg.Class)
		buf = value.AppendString(buf, msg.Method)
		buf = append(buf, byte(msg.Returns))
		buf = binary.BigEndian.AppendUint32(buf, msg.TimeoutMillis)
		buf = binary.AppendUvarint(buf, uint64(len(msg.Args)))
		for i, a := range msg.Args {
			var err error
			if buf, err = value.Append(buf, a); err != nil {
				return nil, rpcerr.New(msg.Selector(), rpcerr.ErrNonMarshalable, "argument %d: %v", i, err)
			}
		}
		return buf, nil
	case *message.Result:
		return value.Append(nil, msg.Value)
	case *message.ErrorPayload:
		buf := []byte{byte(msg.Kind)}
		buf = value.AppendString(buf, msg.Name)
		buf = value.AppendString(buf, msg.Message)
		buf = value.AppendString(buf, msg.Class)
		return value.AppendString(buf, msg.Method), nil
	case *message.Hello:
		buf := value.AppendString(nil, msg.Session)
		buf = append(buf, msg.Version, byte(msg.Side))
		return value.AppendString(buf, msg.App), nil
	case *message.HelloAck:
		buf := value.AppendString(nil, msg.Session)
		accepted := byte(0)
		if msg.Accepted {
			accepted = 1
		}
		buf = append(buf, accepted, byte(msg.Side))
		return value.AppendString(buf, msg.Reason), nil
	case *message.Release:
		buf := binary.AppendUvarint(nil, uint64(len(msg.Handles)))
		for _, h := range msg.Handles {
			buf = binary.AppendUvarint(buf, h)
		}
		return buf, nil
	}
	return nil, unsupported("BinaryCodec", v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := value.NewReader(data)
	var err error
	switch msg := v.(type) {
	case *message.Invocation:
		err = decodeInvocation(r, msg)
	case *message.Result:
		msg.Value, err = r.Value()
	case *message.ErrorPayload:
		err = decodeErrorPayload(r, msg)
	case *message.Hello:
		err = decodeHello(r, msg)
	case *message.HelloAck:
		err = decodeHelloAck(r, msg)
	case *message.Release:
		err = decodeRelease(r, msg)
	default:
		return unsupported("BinaryCodec", v)
	}
	if err != nil {
		return fmt.Errorf("BinaryCodec: %w", err)
	}
	if r.Remaining() != 0 {
		return errTrailing
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func decodeInvocation(r *value.Reader, msg *message.Invocation) error {
	var err error
	if msg.Target, err = r.Uvarint(); err != nil {
		return err
	}
	if msg.Class, err = r.Str(); err != nil {
		return err
	}
	if msg.Method, err = r.Str(); err != nil {
		return err
	}
	returns, err := r.Byte()
	if err != nil {
		return err
	}
	msg.Returns = value.Kind(returns)
	if msg.TimeoutMillis, err = r.Uint32(); err != nil {
		return err
	}
	argc, err := r.Uvarint()
	if err != nil {
		return err
	}
	if argc > uint64(r.Remaining()) {
		return value.ErrTruncated
	}
	msg.Args = nil
	if argc > 0 {
		msg.Args = make([]value.Value, argc)
	}
	for i := range msg.Args {
		if msg.Args[i], err = r.Value(); err != nil {
			return err
		}
	}
	return nil
}

func decodeErrorPayload(r *value.Reader, msg *message.ErrorPayload) error {
	kind, err := r.Byte()
	if err != nil {
		return err
	}
	msg.Kind = rpcerr.Kind(kind)
	if msg.Name, err = r.Str(); err != nil {
		return err
	}
	if msg.Message, err = r.Str(); err != nil {
		return err
	}
	if msg.Class, err = r.Str(); err != nil {
		return err
	}
	msg.Method, err = r.Str()
	return err
}

func decodeHello(r *value.Reader, msg *message.Hello) error {
	var err error
	if msg.Session, err = r.Str(); err != nil {
		return err
	}
	if msg.Version, err = r.Byte(); err != nil {
		return err
	}
	side, err := r.Byte()
	if err != nil {
		return err
	}
	msg.Side = value.Side(side)
	msg.App, err = r.Str()
	return err
}

func decodeHelloAck(r *value.Reader, msg *message.HelloAck) error {
	var err error
	if msg.Session, err = r.Str(); err != nil {
		return err
	}
	accepted, err := r.Byte()
	if err != nil {
		return err
	}
	msg.Accepted = accepted != 0
	side, err := r.Byte()
	if err != nil {
		return err
	}
	msg.Side = value.Side(side)
	msg.Reason, err = r.Str()
	return err
}

func decodeRelease(r *value.Reader, msg *message.Release) error {
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	if n > uint64(r.Remaining()) {
		return value.ErrTruncated
	}
	msg.Handles = make([]uint64, n)
	for i := range msg.Handles {
		if msg.Handles[i], err = r.Uvarint(); err != nil {
			return err
		}
	}
	return nil
}
