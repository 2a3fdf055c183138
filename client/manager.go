// Package client owns the test process's end of the channel: endpoint
// discovery, the Hello handshake with bounded backoff, and reconnects.
//
//	Uninitialized ──Connect──→ Connecting ──handshake ok──→ Connected
//	                              │                            │ channel drops,
//	                              └──budget spent──→ Disconnected ←─ Disconnect
//
// A Manager holds at most one live transport.Conn. Invoke on a manager that is
// not connected establishes the channel first; an invocation that was in
// flight when the channel dropped fails and is never retried.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"greybridge/codec"
	"greybridge/config"
	"greybridge/logging"
	"greybridge/message"
	"greybridge/metrics"
	"greybridge/protocol"
	"greybridge/registry"
	"greybridge/rpcerr"
	"greybridge/transport"
	"greybridge/value"
)

type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// errRejected marks a handshake the peer refused; it is not retried.
var errRejected = errors.New("handshake rejected")

type Dialer func(ctx context.Context, addr string) (net.Conn, error)

type Manager struct {
	reg    registry.Registry
	app    string
	addr   string
	side   value.Side
	codec  codec.CodecType
	dial   Dialer
	logger zerolog.Logger

	handshakeTimeout  time.Duration
	invocationTimeout time.Duration
	backoffBase       time.Duration
	backoffMax        time.Duration
	heartbeat         time.Duration
	compressAt        int
	handler           transport.Handler

	mu      sync.Mutex // serializes connects
	state   atomic.Int32
	conn    atomic.Pointer[transport.Conn]
	session atomic.Value // string
	remote  atomic.Value // string, the address the live channel dialed
}

type Option func(*Manager)

// WithConfig applies timeouts, backoff, codec and compression settings.
func WithConfig(cfg config.Config) Option {
	return func(m *Manager) {
		m.codec = cfg.CodecType()
		m.handshakeTimeout = cfg.HandshakeTimeout
		m.invocationTimeout = cfg.InvocationTimeout
		m.backoffBase = cfg.BackoffBase
		m.backoffMax = cfg.BackoffMax
		m.heartbeat = cfg.Heartbeat
		m.compressAt = cfg.CompressThreshold
	}
}

// WithAddress skips discovery and dials addr.
func WithAddress(addr string) Option {
	return func(m *Manager) { m.addr = addr }
}

func WithSide(side value.Side) Option {
	return func(m *Manager) { m.side = side }
}

func WithCodec(t codec.CodecType) Option {
	return func(m *Manager) { m.codec = t }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.handshakeTimeout = d }
}

func WithInvocationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.invocationTimeout = d }
}

func WithBackoff(base, limit time.Duration) Option {
	return func(m *Manager) { m.backoffBase, m.backoffMax = base, limit }
}

func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

func WithCompressThreshold(n int) Option {
	return func(m *Manager) { m.compressAt = n }
}

// WithHandler serves invocations the application makes back into this
// process, typically a *dispatcher.Dispatcher.
func WithHandler(h transport.Handler) Option {
	return func(m *Manager) { m.handler = h }
}

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a manager for the application registered as app. reg may
// be nil when WithAddress is given. Nothing is dialed until Connect or the
// first Invoke.
func NewManager(reg registry.Registry, app string, opts ...Option) *Manager {
	cfg := config.Default()
	m := &Manager{
		reg:    reg,
		app:    app,
		side:   value.SideTest,
		logger: logging.Component("client"),
	}
	WithConfig(cfg)(m)
	m.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("app", app).Stringer("side", m.side).Logger()
	m.session.Store("")
	m.remote.Store("")
	return m
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) Side() value.Side { return m.side }

// Session returns the id of the current or last handshake.
func (m *Manager) Session() string { return m.session.Load().(string) }

// Endpoint returns the address of the current or last channel.
func (m *Manager) Endpoint() string { return m.remote.Load().(string) }

// Connect establishes the channel if it is not already live.
func (m *Manager) Connect(ctx context.Context) error {
	_, err := m.live(ctx)
	return err
}

// Reconnect replaces the live channel with a new one. The old channel is
// closed only after the new one is installed, so no invocation is routed to
// a channel that is known to be dead.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

// Disconnect closes the live channel. A later Invoke connects again.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conn.Swap(nil); c != nil {
		c.Close()
	}
	if m.State() != StateUninitialized {
		m.state.Store(int32(StateDisconnected))
	}
	return nil
}

// Invoke sends inv and waits for its result, bounded by ctx and by the
// invocation timeout (inv.TimeoutMillis, or the manager default).
func (m *Manager) Invoke(ctx context.Context, inv *message.Invocation) (value.Value, error) {
	req := *inv
	if req.TimeoutMillis == 0 && m.invocationTimeout > 0 {
		req.TimeoutMillis = uint32(m.invocationTimeout / time.Millisecond)
	}
	if req.TimeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMillis)*time.Millisecond)
		defer cancel()
	}

	c, err := m.live(ctx)
	if err != nil {
		return value.Value{}, err
	}
	return c.Invoke(ctx, &req)
}

// Release tells the application it may drop the object behind ref. Without a
// live channel there is nothing to release and the call is a no-op.
func (m *Manager) Release(ctx context.Context, ref value.Ref) error {
	c := m.conn.Load()
	if c == nil || isClosed(c) {
		return nil
	}
	return c.Release(ref.Handle)
}

// Send encodes msg and writes it as a one-way frame of the given kind.
func (m *Manager) Send(ctx context.Context, kind protocol.FrameKind, msg any) error {
	c, err := m.live(ctx)
	if err != nil {
		return err
	}
	body, err := c.Codec().Encode(msg)
	if err != nil {
		return err
	}
	return c.Send(kind, body)
}

func (m *Manager) live(ctx context.Context) (*transport.Conn, error) {
	if c := m.conn.Load(); c != nil && !isClosed(c) {
		return c, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conn.Load(); c != nil && !isClosed(c) {
		return c, nil
	}
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	return m.conn.Load(), nil
}

func (m *Manager) connectLocked(ctx context.Context) error {
	m.state.Store(int32(StateConnecting))
	ctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	var (
		attempt int
		lastErr error
	)
	for {
		attempt++
		c, session, addr, err := m.attempt(ctx)
		metrics.RecordConnectAttempt(m.side.String(), err == nil)
		if err == nil {
			if old := m.conn.Swap(c); old != nil {
				old.Close()
			}
			m.session.Store(session)
			m.remote.Store(addr)
			m.state.Store(int32(StateConnected))
			m.logger.Info().Str("session", session).Stringer("remote", c.RemoteAddr()).Int("attempt", attempt).Msg("connected")
			return nil
		}
		lastErr = err
		m.logger.Debug().Err(err).Int("attempt", attempt).Msg("connect attempt failed")
		if errors.Is(err, errRejected) {
			break
		}
		if err := m.sleepBackoff(ctx, attempt); err != nil {
			break
		}
	}

	if m.conn.Load() == nil || isClosed(m.conn.Load()) {
		m.state.Store(int32(StateDisconnected))
	} else {
		m.state.Store(int32(StateConnected))
	}
	return rpcerr.New("connect", rpcerr.ErrHandshake, "%s after %d attempts: %v", m.target(), attempt, lastErr)
}

func (m *Manager) target() string {
	if m.addr != "" {
		return m.addr
	}
	return m.app
}

func (m *Manager) resolve(ctx context.Context) (string, error) {
	if m.addr != "" {
		return m.addr, nil
	}
	if m.reg == nil {
		return "", errors.New("no address and no registry")
	}
	eps, err := m.reg.Discover(ctx, m.app)
	if err != nil {
		return "", err
	}
	ep, ok := registry.Latest(eps)
	if !ok {
		return "", fmt.Errorf("no endpoint registered for %q", m.app)
	}
	return ep.Addr, nil
}

func (m *Manager) attempt(ctx context.Context) (*transport.Conn, string, string, error) {
	addr, err := m.resolve(ctx)
	if err != nil {
		return nil, "", "", err
	}
	nc, err := m.dial(ctx, addr)
	if err != nil {
		return nil, "", "", err
	}

	opts := []transport.Option{
		transport.WithCodec(m.codec),
		transport.WithHeartbeat(m.heartbeat),
		transport.WithCompressThreshold(m.compressAt),
		transport.WithSide(m.side.String()),
		transport.WithLogger(m.logger),
		transport.WithOnClose(m.onClose),
	}
	if m.handler != nil {
		opts = append(opts, transport.WithHandler(m.handler))
	}
	c := transport.New(nc, opts...)

	hello := &message.Hello{Session: uuid.NewString(), Version: protocol.Version, Side: m.side, App: m.app}
	body, err := c.Codec().Encode(hello)
	if err != nil {
		c.Close()
		return nil, "", "", err
	}
	f, err := c.Call(ctx, protocol.KindHello, body)
	if err != nil {
		c.Close()
		return nil, "", "", err
	}
	if f.Kind != protocol.KindHelloAck {
		c.Close()
		return nil, "", "", fmt.Errorf("expected hello-ack, got %s", f.Kind)
	}
	var ack message.HelloAck
	if err := codec.GetCodec(f.Codec).Decode(f.Body, &ack); err != nil {
		c.Close()
		return nil, "", "", fmt.Errorf("decode hello-ack: %w", err)
	}
	if !ack.Accepted {
		c.Close()
		return nil, "", "", fmt.Errorf("%w: %s", errRejected, ack.Reason)
	}
	if ack.Session != hello.Session {
		c.Close()
		return nil, "", "", fmt.Errorf("hello-ack for session %q, sent %q", ack.Session, hello.Session)
	}
	return c, hello.Session, addr, nil
}

// Follow watches the registry until ctx ends. When a newer endpoint for the
// app shows up while a channel is live, the manager reconnects to it, the way
// a relaunched application takes over from the old process. A manager pinned
// to an address, or without a registry, returns at once.
func (m *Manager) Follow(ctx context.Context) {
	if m.addr != "" || m.reg == nil {
		return
	}
	updates := m.reg.Watch(ctx, m.app)
	if eps, err := m.reg.Discover(ctx, m.app); err == nil {
		m.follow(ctx, eps)
	}
	for eps := range updates {
		m.follow(ctx, eps)
	}
}

func (m *Manager) follow(ctx context.Context, eps []registry.Endpoint) {
	ep, ok := registry.Latest(eps)
	if !ok || m.State() != StateConnected || ep.Addr == m.Endpoint() {
		return
	}
	m.logger.Info().Str("from", m.Endpoint()).Str("to", ep.Addr).Msg("newer endpoint registered")
	if err := m.Reconnect(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn().Err(err).Msg("reconnect to newer endpoint failed")
	}
}

// onClose runs when any channel this manager opened closes. Only the live
// channel moves the state.
func (m *Manager) onClose(err error) {
	c := m.conn.Load()
	if c == nil || !isClosed(c) {
		return
	}
	if m.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		m.logger.Warn().Err(err).Msg("channel dropped")
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.backoffBase
	for i := 1; i < attempt && d < m.backoffMax; i++ {
		d *= 2
	}
	if d > m.backoffMax {
		d = m.backoffMax
	}
	return d
}

func (m *Manager) sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(m.backoff(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isClosed(c *transport.Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
