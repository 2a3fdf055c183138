// Package transport implements the framed channel between the two processes.
//
// A Conn wraps one net.Conn. A single recvLoop goroutine reads frames and
// routes them: replies go to the caller waiting on their correlation id,
// frames the peer initiated go to the local Handler, heartbeats are dropped.
//
//	caller ──Call(seq=7)──→ net.Conn ──→ peer
//	recvLoop ←── reply(seq=7) → pending[7] → caller wakes up
//	recvLoop ←── request(seq=3) → go Handler → reply(seq=3) → net.Conn
//
// Both sides may call each other on the same Conn. Each side has at most one
// outgoing request in flight; concurrent callers queue on the call slot.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"greybridge/codec"
	"greybridge/logging"
	"greybridge/message"
	"greybridge/metrics"
	"greybridge/protocol"
	"greybridge/rpcerr"
)

// ErrClosed is the cause recorded when the local side closes the Conn.
var ErrClosed = errors.New("transport: closed")

const (
	DefaultWriteTimeout      = 10 * time.Second
	DefaultCompressThreshold = 4 << 10
)

// Frame is a decoded, uncompressed frame.
type Frame struct {
	Kind  protocol.FrameKind
	Codec codec.CodecType
	Seq   uint32
	Body  []byte
}

// Handler serves frames the peer initiated. For one-way frames (releases) it
// returns ok == false and nothing is written back. The reply keeps the
// request's correlation id and codec.
type Handler interface {
	ServeFrame(ctx context.Context, c *Conn, f Frame) (reply Frame, ok bool)
}

type HandlerFunc func(ctx context.Context, c *Conn, f Frame) (Frame, bool)

func (fn HandlerFunc) ServeFrame(ctx context.Context, c *Conn, f Frame) (Frame, bool) {
	return fn(ctx, c, f)
}

type reply struct {
	f   Frame
	err error
}

type Conn struct {
	conn       net.Conn
	codec      codec.CodecType
	handler    Handler
	heartbeat  time.Duration
	writeTO    time.Duration
	compressAt int
	side       string
	onClose    func(error)
	logger     zerolog.Logger

	callSlot chan struct{} // one outgoing request at a time
	writeMu  sync.Mutex    // whole frames only
	seq      atomic.Uint32
	pending  sync.Map // map[uint32]chan reply

	ctx       context.Context // cancelled when the Conn closes
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	serving   sync.WaitGroup
}

type Option func(*Conn)

func WithCodec(t codec.CodecType) Option {
	return func(c *Conn) { c.codec = t }
}

func WithHandler(h Handler) Option {
	return func(c *Conn) { c.handler = h }
}

// WithHeartbeat sends a heartbeat frame every interval; 0 disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Conn) { c.heartbeat = interval }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTO = d }
}

// WithCompressThreshold compresses bodies of at least n bytes; 0 disables it.
func WithCompressThreshold(n int) Option {
	return func(c *Conn) { c.compressAt = n }
}

// WithSide labels metrics and logs with the local side name.
func WithSide(side string) Option {
	return func(c *Conn) { c.side = side }
}

// WithOnClose is called once, on its own goroutine, when the Conn closes.
func WithOnClose(fn func(error)) Option {
	return func(c *Conn) { c.onClose = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// New starts the receive loop (and heartbeat loop, if enabled) on nc.
func New(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:       nc,
		codec:      codec.CodecTypeBinary,
		writeTO:    DefaultWriteTimeout,
		compressAt: DefaultCompressThreshold,
		side:       "unknown",
		logger:     logging.Component("transport"),
		callSlot:   make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = refuseAll{}
	}
	c.logger = c.logger.With().Str("side", c.side).Stringer("remote", nc.RemoteAddr()).Logger()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.recvLoop()
	if c.heartbeat > 0 {
		go c.heartbeatLoop(c.heartbeat)
	}
	return c
}

func (c *Conn) Codec() codec.Codec { return codec.GetCodec(c.codec) }

func (c *Conn) CodecType() codec.CodecType { return c.codec }

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Done is closed once the Conn is closed, locally or by the peer.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the reason the Conn closed, or nil while it is open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Call sends a request frame and waits for its reply. Timeouts abandon the
// call; a reply that arrives later is discarded.
func (c *Conn) Call(ctx context.Context, kind protocol.FrameKind, body []byte) (Frame, error) {
	select {
	case c.callSlot <- struct{}{}:
	case <-ctx.Done():
		return Frame{}, rpcerr.New("call", rpcerr.ErrInvocationTimeout, "waiting for channel: %v", ctx.Err())
	case <-c.closed:
		return Frame{}, c.lost()
	}
	defer func() { <-c.callSlot }()

	seq := c.seq.Add(1)
	ch := make(chan reply, 1)
	c.pending.Store(seq, ch)
	select {
	case <-c.closed:
		c.pending.Delete(seq)
		return Frame{}, c.lost()
	default:
	}

	if err := c.write(kind, c.codec, seq, body); err != nil {
		c.pending.Delete(seq)
		if errors.Is(err, protocol.ErrBodyTooLarge) {
			return Frame{}, rpcerr.New("call", rpcerr.ErrNonMarshalable, "%v", err)
		}
		c.fail(err)
		return Frame{}, c.lost()
	}

	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		c.pending.Delete(seq)
		return Frame{}, rpcerr.New("call", rpcerr.ErrInvocationTimeout, "no reply to %s #%d: %v", kind, seq, ctx.Err())
	}
}

// Send writes a one-way frame. It does not take the call slot.
func (c *Conn) Send(kind protocol.FrameKind, body []byte) error {
	select {
	case <-c.closed:
		return c.lost()
	default:
	}
	if err := c.write(kind, c.codec, 0, body); err != nil {
		if errors.Is(err, protocol.ErrBodyTooLarge) {
			return rpcerr.New("send", rpcerr.ErrNonMarshalable, "%v", err)
		}
		c.fail(err)
		return c.lost()
	}
	return nil
}

// Close tears the Conn down. Pending calls fail with a connection-lost error.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

// Wait blocks until every handler started by this Conn has returned.
func (c *Conn) Wait() {
	c.serving.Wait()
}

func (c *Conn) lost() error {
	cause := c.Err()
	if cause == nil {
		cause = ErrClosed
	}
	return rpcerr.New("call", rpcerr.ErrConnectionLost, "%v", cause)
}

func (c *Conn) write(kind protocol.FrameKind, ct codec.CodecType, seq uint32, body []byte) error {
	if uint64(len(body)) > uint64(protocol.MaxBodyLen) {
		return fmt.Errorf("%w: %d bytes", protocol.ErrBodyTooLarge, len(body))
	}
	h := &protocol.Header{CodecType: byte(ct), Kind: kind, Seq: seq}
	body, err := protocol.Pack(h, body, c.compressAt)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTO > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTO))
	}
	return protocol.Encode(c.conn, h, body)
}

func (c *Conn) recvLoop() {
	for {
		h, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		f := Frame{Kind: h.Kind, Codec: codec.CodecType(h.CodecType), Seq: h.Seq}
		if f.Body, err = protocol.Unpack(h, body); err != nil {
			// The frame was read in full, so the stream is still in sync.
			c.reject(f, err)
			continue
		}

		switch {
		case f.Kind == protocol.KindHeartbeat:
		case f.Kind.IsReply():
			if ch, ok := c.pending.LoadAndDelete(f.Seq); ok {
				ch.(chan reply) <- reply{f: f}
			} else {
				c.logger.Debug().Stringer("kind", f.Kind).Uint32("seq", f.Seq).Msg("discarding reply to abandoned call")
			}
		default:
			c.serve(f)
		}
	}
}

// reject answers a frame whose body could not be unpacked. The caller of a
// reply gets a marshal error; a request gets an error frame back.
func (c *Conn) reject(f Frame, cause error) {
	c.logger.Warn().Err(cause).Stringer("kind", f.Kind).Uint32("seq", f.Seq).Msg("unreadable frame body")
	err := rpcerr.New("recv", rpcerr.ErrNonMarshalable, "%s #%d: %v", f.Kind, f.Seq, cause)
	switch {
	case f.Kind.IsReply():
		if ch, ok := c.pending.LoadAndDelete(f.Seq); ok {
			ch.(chan reply) <- reply{err: err}
		}
	case f.Kind == protocol.KindRequest:
		body, encErr := codec.EncodeError(codec.GetCodec(f.Codec), message.ErrorFrom(err, nil))
		if encErr != nil {
			return
		}
		go func() {
			if err := c.write(protocol.KindError, f.Codec, f.Seq, body); err != nil {
				c.logger.Warn().Err(err).Uint32("seq", f.Seq).Msg("reply not sent")
			}
		}()
	}
}

// serve runs the handler on its own goroutine so a slow invocation never
// blocks replies to this side's own calls.
func (c *Conn) serve(f Frame) {
	c.serving.Add(1)
	go func() {
		defer c.serving.Done()
		r, ok := c.handler.ServeFrame(c.ctx, c, f)
		if !ok {
			return
		}
		if err := c.write(r.Kind, f.Codec, f.Seq, r.Body); err != nil {
			c.logger.Warn().Err(err).Stringer("kind", r.Kind).Uint32("seq", f.Seq).Msg("reply not sent")
		}
	}()
}

func (c *Conn) fail(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		close(c.closed)
		c.cancel()
		_ = c.conn.Close()
		c.closeAllPending(cause)

		if !errors.Is(cause, ErrClosed) {
			metrics.RecordConnectionLost(c.side)
			c.logger.Info().Err(cause).Msg("connection lost")
		}
		if c.onClose != nil {
			go c.onClose(cause)
		}
	})
}

func (c *Conn) closeAllPending(cause error) {
	err := rpcerr.New("call", rpcerr.ErrConnectionLost, "%v", cause)
	c.pending.Range(func(key, _ any) bool {
		if ch, ok := c.pending.LoadAndDelete(key); ok {
			ch.(chan reply) <- reply{err: err}
		}
		return true
	})
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(protocol.KindHeartbeat, c.codec, 0, nil); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}
