// Package protocol implements the frame format spoken on the process boundary.
//
// A fixed-size 15-byte header is followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads exactly
// that many bytes.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│fk│fl│   seq   │ bodyLen │    body ...    │
//	│ gbr  │01│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// seq is the correlation id: a response or error frame carries the seq of the
// request it answers.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Magic bytes "gbr" reject peers that are not speaking this protocol, e.g. a
// stray HTTP client on the advertised port.
const (
	MagicNumber byte   = 0x67 // 'g'
	MagicByte2  byte   = 0x62 // 'b'
	MagicByte3  byte   = 0x72 // 'r'
	Version     byte   = 0x01
	HeaderSize  int    = 15 // 3 (magic) + 1 (version) + 1 (codec) + 1 (kind) + 1 (flags) + 4 (seq) + 4 (bodyLen)
	MaxBodyLen  uint32 = 16 << 20
)

// FrameKind distinguishes the frames exchanged on a connection.
type FrameKind byte

const (
	KindRequest   FrameKind = 0 // invocation request
	KindResponse  FrameKind = 1 // invocation completed, body is a Result
	KindError     FrameKind = 2 // invocation failed, body is an ErrorPayload
	KindHeartbeat FrameKind = 3 // keepalive (no body)
	KindHello     FrameKind = 4 // session handshake
	KindHelloAck  FrameKind = 5
	KindRelease   FrameKind = 6 // one-way handle release
)

var kindNames = [...]string{"request", "response", "error", "heartbeat", "hello", "hello-ack", "release"}

func (k FrameKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// IsReply reports whether the frame answers a request.
func (k FrameKind) IsReply() bool {
	return k == KindResponse || k == KindError || k == KindHelloAck
}

// Flags modify how the body is interpreted.
const (
	FlagCompressed byte = 0x01 // body is an lz4 stream
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var ErrBodyTooLarge = errors.New("protocol: body too large")

// Header represents the fixed 15-byte frame header.
type Header struct {
	CodecType byte      // Serialization format: 0=JSON, 1=Binary
	Kind      FrameKind // Request, Response, Error, ...
	Flags     byte
	Seq       uint32 // Correlation id
	BodyLen   uint32 // Body length in bytes as written on the wire
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from
// body. The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different calls interleave and corrupt the
// stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return ErrBodyTooLarge
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.Kind)
	buf[6] = h.Flags
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], h.BodyLen)

	// One Write per frame so a failing writer never leaves half a frame behind
	// a successfully written header.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, frame kind and body
// length. Uses io.ReadFull to guarantee exactly N bytes are read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	kind := FrameKind(headerBuf[5])
	if kind > KindRelease {
		return nil, nil, fmt.Errorf("unsupported frame kind: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[7:11])
	bodyLen := binary.BigEndian.Uint32(headerBuf[11:15])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		Kind:      kind,
		Flags:     headerBuf[6],
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

// Compress returns the lz4 form of body.
func Compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Uncompress reverses Compress, refusing output larger than MaxBodyLen.
func Uncompress(body []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(body))
	out, err := io.ReadAll(io.LimitReader(r, int64(MaxBodyLen)+1))
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if len(out) > int(MaxBodyLen) {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}

// Pack prepares a body for the wire, compressing it when it is at least
// threshold bytes long. A threshold <= 0 disables compression.
func Pack(h *Header, body []byte, threshold int) ([]byte, error) {
	if threshold <= 0 || len(body) < threshold {
		return body, nil
	}
	packed, err := Compress(body)
	if err != nil {
		return nil, err
	}
	if len(packed) >= len(body) {
		return body, nil
	}
	h.Flags |= FlagCompressed
	return packed, nil
}

// Unpack reverses Pack using the header flags.
func Unpack(h *Header, body []byte) ([]byte, error) {
	if h.Flags&FlagCompressed == 0 {
		return body, nil
	}
	return Uncompress(body)
}
