package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned when a binary value ends early.
var ErrTruncated = errors.New("value: truncated input")

// Append writes the binary form of v to dst. The layout is a kind tag followed
// by a kind-specific payload; varints keep small numbers small. The same
// logical value always produces the same bytes.
func Append(dst []byte, v Value) ([]byte, error) {
	if err := Validate(v); err != nil {
		return nil, err
	}
	return appendValue(dst, v), nil
}

func appendValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Kind))
	switch v.Kind {
	case KindBool:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindInt:
		dst = binary.AppendVarint(dst, v.Int)
	case KindUint:
		dst = binary.AppendUvarint(dst, v.Uint)
	case KindFloat:
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float))
	case KindString:
		dst = AppendString(dst, v.Str)
	case KindBytes:
		dst = binary.AppendUvarint(dst, uint64(len(v.Bytes)))
		dst = append(dst, v.Bytes...)
	case KindRef:
		dst = append(dst, byte(v.Ref.Owner))
		dst = binary.AppendUvarint(dst, v.Ref.Handle)
		dst = AppendString(dst, v.Ref.Class)
	case KindList:
		dst = binary.AppendUvarint(dst, uint64(len(v.List)))
		for _, e := range v.List {
			dst = appendValue(dst, e)
		}
	case KindStruct:
		dst = binary.AppendUvarint(dst, uint64(len(v.Fields)))
		for _, f := range v.Fields {
			dst = AppendString(dst, f.Name)
			dst = appendValue(dst, f.Value)
		}
	}
	return dst
}

// AppendString writes a length-prefixed string.
func AppendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// Reader decodes binary values from a byte slice. Every method fails with
// ErrTruncated instead of panicking on short input.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) Byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *Reader) Uvarint() (uint64, error) {
	u, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.off += n
	return u, nil
}

func (r *Reader) Varint() (int64, error) {
	i, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.off += n
	return i, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}
	u := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return u, nil
}

func (r *Reader) raw() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func (r *Reader) Str() (string, error) {
	b, err := r.raw()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Value reads one value written by Append.
func (r *Reader) Value() (Value, error) {
	return r.value(0)
}

func (r *Reader) value(depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, fmt.Errorf("value: nesting exceeds depth %d", MaxDepth)
	}
	tag, err := r.Byte()
	if err != nil {
		return Value{}, err
	}
	k := Kind(tag)
	switch k {
	case KindNull:
		return Null(), nil
	case KindBool:
		b, err := r.Byte()
		if err != nil {
			return Value{}, err
		}
		return Bool(b != 0), nil
	case KindInt:
		i, err := r.Varint()
		return Int(i), err
	case KindUint:
		u, err := r.Uvarint()
		return Uint(u), err
	case KindFloat:
		if r.Remaining() < 8 {
			return Value{}, ErrTruncated
		}
		bits := binary.BigEndian.Uint64(r.buf[r.off:])
		r.off += 8
		return Float(math.Float64frombits(bits)), nil
	case KindString:
		s, err := r.Str()
		return String(s), err
	case KindBytes:
		b, err := r.raw()
		if err != nil {
			return Value{}, err
		}
		return Bytes(append([]byte(nil), b...)), nil
	case KindRef:
		owner, err := r.Byte()
		if err != nil {
			return Value{}, err
		}
		h, err := r.Uvarint()
		if err != nil {
			return Value{}, err
		}
		class, err := r.Str()
		if err != nil {
			return Value{}, err
		}
		return Of(Ref{Owner: Side(owner), Handle: h, Class: class}), nil
	case KindList:
		n, err := r.Uvarint()
		if err != nil {
			return Value{}, err
		}
		// Every element takes at least one byte.
		if n > uint64(r.Remaining()) {
			return Value{}, ErrTruncated
		}
		list := make([]Value, n)
		for i := range list {
			if list[i], err = r.value(depth + 1); err != nil {
				return Value{}, err
			}
		}
		return List(list...), nil
	case KindStruct:
		n, err := r.Uvarint()
		if err != nil {
			return Value{}, err
		}
		if n > uint64(r.Remaining()) {
			return Value{}, ErrTruncated
		}
		fields := make([]Field, n)
		for i := range fields {
			if fields[i].Name, err = r.Str(); err != nil {
				return Value{}, err
			}
			if fields[i].Value, err = r.value(depth + 1); err != nil {
				return Value{}, err
			}
		}
		return Struct(fields...), nil
	}
	return Value{}, fmt.Errorf("value: unknown kind tag %d", tag)
}
