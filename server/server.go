// Package server is the application process's end of the channel.
//
// Request processing pipeline:
//
//	Accept conn → transport.Conn recvLoop
//	  → Hello: check version and side, make this conn the active peer, HelloAck
//	  → Request: go Dispatcher.ServeFrame → middleware chain → trampoline → reply
//	  → Release: drop handles
//
// At most one peer is active. A new handshake replaces the previous peer,
// whose connection is closed.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"greybridge/codec"
	"greybridge/dispatcher"
	"greybridge/logging"
	"greybridge/message"
	"greybridge/protocol"
	"greybridge/registry"
	"greybridge/rpcerr"
	"greybridge/transport"
	"greybridge/value"
)

type Server struct {
	dispatcher *dispatcher.Dispatcher
	listener   net.Listener
	shutdown   atomic.Bool
	registry   registry.Registry
	app        string
	advertise  string
	logger     zerolog.Logger

	codec             codec.CodecType
	heartbeat         time.Duration
	compressAt        int
	ttl               int64
	invocationTimeout time.Duration

	mu    sync.Mutex
	conns map[*transport.Conn]struct{}
	peer  atomic.Pointer[transport.Conn]
}

type Option func(*Server)

// WithApp names the application in the registry.
func WithApp(app string) Option {
	return func(s *Server) { s.app = app }
}

func WithCodec(t codec.CodecType) Option {
	return func(s *Server) { s.codec = t }
}

func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

func WithCompressThreshold(n int) Option {
	return func(s *Server) { s.compressAt = n }
}

// WithTTL sets the registry lease in seconds.
func WithTTL(seconds int64) Option {
	return func(s *Server) { s.ttl = seconds }
}

// WithInvocationTimeout bounds callbacks into the peer made through Invoke.
func WithInvocationTimeout(d time.Duration) Option {
	return func(s *Server) { s.invocationTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server that hands invocations to d.
func NewServer(d *dispatcher.Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher:        d,
		app:               "greybridge-app",
		logger:            logging.Component("server"),
		codec:             codec.CodecTypeBinary,
		compressAt:        transport.DefaultCompressThreshold,
		ttl:               10,
		invocationTimeout: 30 * time.Second,
		conns:             make(map[*transport.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve listens on address and serves until Shutdown. advertiseAddr is the
// address published in reg; empty means the listener's own address. reg may
// be nil.
func (s *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = l.Addr().String()
	}
	s.mu.Lock()
	s.listener = l
	s.advertise = advertiseAddr
	s.registry = reg
	s.mu.Unlock()
	if s.shutdown.Load() {
		l.Close()
		return nil
	}

	if reg != nil {
		ep := registry.Endpoint{
			Addr:      advertiseAddr,
			PID:       os.Getpid(),
			Version:   fmt.Sprintf("%d", protocol.Version),
			Codec:     s.codec.String(),
			StartedAt: time.Now(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := reg.Register(ctx, s.app, ep, s.ttl)
		cancel()
		if err != nil {
			l.Close()
			return fmt.Errorf("register endpoint: %w", err)
		}
	}
	s.logger.Info().Str("app", s.app).Str("addr", advertiseAddr).Msg("serving")

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.accept(nc)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) accept(nc net.Conn) {
	c := transport.New(nc,
		transport.WithCodec(s.codec),
		transport.WithHandler(handshake{s: s}),
		transport.WithHeartbeat(s.heartbeat),
		transport.WithCompressThreshold(s.compressAt),
		transport.WithSide(s.dispatcher.Side().String()),
		transport.WithLogger(s.logger),
		transport.WithOnClose(func(error) { s.forget() }),
	)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

// forget drops closed connections.
func (s *Server) forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if isClosed(c) {
			delete(s.conns, c)
			s.peer.CompareAndSwap(c, nil)
		}
	}
}

// activate makes c the active peer and closes the one it replaces.
func (s *Server) activate(c *transport.Conn) {
	if old := s.peer.Swap(c); old != nil && old != c {
		s.logger.Info().Stringer("old", old.RemoteAddr()).Stringer("new", c.RemoteAddr()).Msg("replacing peer")
		old.Close()
	}
}

// Connected reports whether a peer has completed the handshake and is live.
func (s *Server) Connected() bool {
	c := s.peer.Load()
	return c != nil && !isClosed(c)
}

// Invoke calls into the peer process over the active connection.
func (s *Server) Invoke(ctx context.Context, inv *message.Invocation) (value.Value, error) {
	c := s.peer.Load()
	if c == nil || isClosed(c) {
		return value.Value{}, rpcerr.New(inv.Selector(), rpcerr.ErrConnectionLost, "no peer connected")
	}
	req := *inv
	if req.TimeoutMillis == 0 && s.invocationTimeout > 0 {
		req.TimeoutMillis = uint32(s.invocationTimeout / time.Millisecond)
	}
	if req.TimeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMillis)*time.Millisecond)
		defer cancel()
	}
	return c.Invoke(ctx, &req)
}

// Release tells the peer it may drop the object behind ref.
func (s *Server) Release(_ context.Context, ref value.Ref) error {
	c := s.peer.Load()
	if c == nil || isClosed(c) {
		return nil
	}
	return c.Release(ref.Handle)
}

// Shutdown deregisters the endpoint, stops accepting, waits up to timeout for
// in-flight invocations and closes every connection.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	reg, advertise := s.registry, s.advertise
	s.mu.Unlock()
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, s.app, advertise); err != nil {
			s.logger.Warn().Err(err).Msg("deregister endpoint")
		}
		cancel()
	}

	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			c.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing invocations to finish")
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}

func isClosed(c *transport.Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
