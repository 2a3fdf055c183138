// Package dispatcher runs inbound invocations against local objects.
//
// Each invocation moves through Received, Resolved and Executing to either
// Completed or Failed:
//
//	decode → middleware chain (logging, metrics, timeout, rate limit, idle gate)
//	  → resolve target (handle table or class singleton)
//	  → run trampoline (main-thread loop or worker pool)
//	  → check result kind → outcome
package dispatcher

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"

	"github.com/rs/zerolog"

	"greybridge/handles"
	"greybridge/logging"
	"greybridge/mainthread"
	"greybridge/message"
	"greybridge/middleware"
	"greybridge/rpcerr"
	"greybridge/value"
)

type State uint8

const (
	StateReceived State = iota
	StateResolved
	StateExecuting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateResolved:
		return "resolved"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Observer is told about every state transition. err is set for StateFailed.
type Observer func(inv *message.Invocation, state State, err error)

const DefaultWorkers = 8

type Dispatcher struct {
	table    *Table
	objects  *handles.Table
	side     value.Side
	loop     *mainthread.Loop
	workers  chan struct{}
	peers    PeerResolver
	observer Observer
	logger   zerolog.Logger
	chain    []middleware.Middleware
	handler  middleware.HandlerFunc
}

type Option func(*Dispatcher)

// WithSide names the side this dispatcher serves; references owned by it
// resolve through the handle table.
func WithSide(side value.Side) Option {
	return func(d *Dispatcher) { d.side = side }
}

// WithMainLoop runs main-affine invocations on loop. Without it they run on
// the worker pool.
func WithMainLoop(loop *mainthread.Loop) Option {
	return func(d *Dispatcher) { d.loop = loop }
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = make(chan struct{}, n)
		}
	}
}

func WithPeerResolver(r PeerResolver) Option {
	return func(d *Dispatcher) { d.peers = r }
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMiddleware wraps execution; the first middleware is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) { d.chain = append(d.chain, mws...) }
}

func New(table *Table, objects *handles.Table, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:   table,
		objects: objects,
		side:    value.SideApp,
		workers: make(chan struct{}, DefaultWorkers),
		logger:  logging.Component("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.handler = middleware.Chain(d.chain...)(d.execute)
	return d
}

func (d *Dispatcher) Side() value.Side { return d.side }

func (d *Dispatcher) Objects() *handles.Table { return d.objects }

// SetPeerResolver installs r after construction. The resolver usually
// depends on a connection that itself needs the dispatcher.
func (d *Dispatcher) SetPeerResolver(r PeerResolver) { d.peers = r }

// Dispatch runs inv through the middleware chain and returns its outcome.
// Received and the final state are reported here so failures raised by
// middleware reach the observer too.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *message.Invocation) *message.Outcome {
	d.observe(inv, StateReceived, nil)
	out := d.handler(ctx, inv)
	if out.Err != nil {
		d.observe(inv, StateFailed, out.Err)
	} else {
		d.observe(inv, StateCompleted, nil)
	}
	return out
}

func (d *Dispatcher) observe(inv *message.Invocation, s State, err error) {
	d.logger.Trace().Str("selector", inv.Selector()).Uint64("target", inv.Target).Stringer("state", s).Err(err).Msg("dispatch")
	if d.observer != nil {
		d.observer(inv, s, err)
	}
}

func (d *Dispatcher) execute(ctx context.Context, inv *message.Invocation) *message.Outcome {
	selector := inv.Selector()

	spec, fn, err := d.table.lookup(inv.Class, inv.Method)
	if err != nil {
		return message.Fail(err)
	}

	var target any
	affinity := spec.Affinity
	release := func() {}
	if inv.Target != 0 {
		entry, done, err := d.objects.Acquire(handles.Handle(inv.Target))
		if err != nil {
			return message.Fail(err)
		}
		release = done
		target, affinity = entry.Object, entry.Affinity
	} else {
		if spec.Singleton == nil {
			return message.Fail(rpcerr.New(selector, rpcerr.ErrTargetNotFound, "class %q has no singleton", inv.Class))
		}
		target = spec.Singleton
	}
	d.observe(inv, StateResolved, nil)

	args := Args{selector: selector, vals: inv.Args, side: d.side, objects: d.objects, peers: d.peers}
	var (
		result  value.Value
		callErr error
	)
	call := func(ctx context.Context) {
		d.observe(inv, StateExecuting, nil)
		result, callErr = fn(ctx, target, args)
	}

	if affinity == handles.AffinityMain && d.loop != nil {
		// The target stays pinned until the work is done, even after the
		// caller stops waiting. Whoever claims the call first releases it.
		var claim atomic.Int32
		err := d.loop.Run(ctx, func(ctx context.Context) {
			if !claim.CompareAndSwap(claimFree, claimRan) {
				return
			}
			defer release()
			call(ctx)
		})
		if err != nil {
			if claim.CompareAndSwap(claimFree, claimAbandoned) {
				release()
			}
			if errors.Is(err, mainthread.ErrClosed) {
				err = rpcerr.New(selector, rpcerr.ErrConnectionLost, "main loop closed")
			}
			return message.Fail(err)
		}
	} else {
		defer release()
		select {
		case d.workers <- struct{}{}:
		case <-ctx.Done():
			return message.Fail(rpcerr.New(selector, rpcerr.ErrInvocationTimeout, "no free worker: %v", ctx.Err()))
		}
		call(ctx)
		<-d.workers
	}

	if callErr != nil {
		return message.Fail(remoteError(callErr, inv))
	}
	if err := value.Validate(result); err != nil {
		return message.Fail(err)
	}
	if inv.Returns != value.KindAny && result.Kind != inv.Returns {
		return message.Fail(rpcerr.New(selector, rpcerr.ErrNonMarshalable, "returned %s, caller expects %s", result.Kind, inv.Returns))
	}
	return message.OK(result)
}

const (
	claimFree int32 = iota
	claimRan
	claimAbandoned
)

// remoteError turns an error returned by application code into a RemoteError.
// Framework errors (bad arguments, stale handles, failed nested calls) pass
// through unchanged.
func remoteError(err error, inv *message.Invocation) error {
	var fw *rpcerr.Error
	var remote *rpcerr.RemoteError
	if errors.As(err, &fw) || errors.As(err, &remote) {
		return err
	}
	return &rpcerr.RemoteError{Name: errorName(err), Message: err.Error(), Class: inv.Class, Method: inv.Method}
}

func errorName(err error) string {
	var named rpcerr.Named
	if errors.As(err, &named) {
		return named.Named()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "error"
	}
	return t.Name()
}
