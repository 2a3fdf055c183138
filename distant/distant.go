// Package distant is the proxy API: stand-ins that forward method calls to
// objects living in the other process.
//
//	app := distant.Class(mgr, "Application") // class-level singleton
//	w, _ := app.Invoke(ctx, "KeyWindow")      // returns a reference
//	title, err := distant.New(mgr, *w.Ref).Invoke(ctx, "Title")
//
// Every call blocks until the peer answers, the invocation times out or the
// channel drops. Errors raised by the invoked method come back as
// *rpcerr.RemoteError; anything else is a framework failure.
package distant

import (
	"context"
	"fmt"
	"sync/atomic"

	"greybridge/handles"
	"greybridge/message"
	"greybridge/rpcerr"
	"greybridge/value"
)

// Invoker is the channel a proxy forwards through: *client.Manager in the
// test process, *server.Server in the application.
type Invoker interface {
	Invoke(ctx context.Context, inv *message.Invocation) (value.Value, error)
	Release(ctx context.Context, ref value.Ref) error
}

// Proxy stands in for one remote object. It may outlive the object; calls
// then fail with an unknown-handle error.
type Proxy struct {
	ref      value.Ref
	via      Invoker
	released atomic.Bool
}

// New returns a proxy for ref.
func New(via Invoker, ref value.Ref) *Proxy {
	return &Proxy{ref: ref, via: via}
}

// Class returns a proxy for the singleton the peer registered under name.
func Class(via Invoker, name string) *Proxy {
	return &Proxy{ref: value.Ref{Class: name}, via: via}
}

func (p *Proxy) Ref() value.Ref { return p.ref }

// Value returns the reference as an argument value.
func (p *Proxy) Value() value.Value { return value.Of(p.ref) }

func (p *Proxy) String() string {
	if p.ref.Handle == 0 {
		return "distant." + p.ref.Class
	}
	return "distant." + p.ref.String()
}

// Invoke calls method with args and accepts a result of any kind. Arguments
// are boxed with value.From; *Proxy arguments travel as their reference.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) (value.Value, error) {
	return p.InvokeAs(ctx, value.KindAny, method, args...)
}

// InvokeAs is Invoke with the result kind checked by the peer.
func (p *Proxy) InvokeAs(ctx context.Context, returns value.Kind, method string, args ...any) (value.Value, error) {
	inv := &message.Invocation{
		Target:  p.ref.Handle,
		Class:   p.ref.Class,
		Method:  method,
		Returns: returns,
	}
	if p.released.Load() {
		return value.Value{}, rpcerr.New(inv.Selector(), rpcerr.ErrUnknownHandle, "proxy %s was released", p.ref)
	}
	boxed, err := Box(args...)
	if err != nil {
		return value.Value{}, fmt.Errorf("%s: %w", inv.Selector(), err)
	}
	inv.Args = boxed
	return p.via.Invoke(ctx, inv)
}

// Release tells the owner it may drop the object. Releasing twice, or
// releasing a class proxy, does nothing.
func (p *Proxy) Release(ctx context.Context) error {
	if p.ref.Handle == 0 || !p.released.CompareAndSwap(false, true) {
		return nil
	}
	return p.via.Release(ctx, p.ref)
}

// Box converts native arguments to wire values.
func Box(args ...any) ([]value.Value, error) {
	out := make([]value.Value, len(args))
	for i, a := range args {
		if p, ok := a.(*Proxy); ok {
			out[i] = p.Value()
			continue
		}
		v, err := value.From(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Export publishes a local object so it can be passed to the peer.
func Export(table *handles.Table, side value.Side, obj any, opts ...handles.ExportOption) (value.Ref, error) {
	return table.Ref(side, obj, opts...)
}

// Resolver turns references owned by the peer into proxies. It satisfies
// dispatcher.PeerResolver.
type Resolver struct {
	via Invoker
}

func NewResolver(via Invoker) *Resolver {
	return &Resolver{via: via}
}

func (r *Resolver) ResolvePeer(ref value.Ref) (any, error) {
	return New(r.via, ref), nil
}
