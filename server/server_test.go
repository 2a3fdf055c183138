package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"greybridge/codec"
	"greybridge/dispatcher"
	"greybridge/handles"
	"greybridge/message"
	"greybridge/protocol"
	"greybridge/rpcerr"
	"greybridge/transport"
	"greybridge/value"
)

type pinger struct {
	name string
}

func newTestServer(t *testing.T) *Server {
	table := dispatcher.NewTable()
	if err := table.RegisterClass("Pinger", dispatcher.ClassSpec{Singleton: &pinger{name: "p"}}); err != nil {
		t.Fatal(err)
	}
	err := dispatcher.Method(table, "Pinger", "Ping", func(ctx context.Context, p *pinger, args dispatcher.Args) (value.Value, error) {
		return value.String("pong"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	d := dispatcher.New(table, handles.NewTable())
	return NewServer(d, WithApp("mail"), WithLogger(zerolog.Nop()))
}

// dialPipe connects a test-side Conn to s over an in-memory pipe.
func dialPipe(t *testing.T, s *Server) *transport.Conn {
	a, b := net.Pipe()
	s.accept(b)
	c := transport.New(a, transport.WithSide("test"))
	t.Cleanup(func() { c.Close() })
	return c
}

func hello(t *testing.T, c *transport.Conn, h message.Hello) message.HelloAck {
	body, err := c.Codec().Encode(&h)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := c.Call(ctx, protocol.KindHello, body)
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if f.Kind != protocol.KindHelloAck {
		t.Fatalf("reply kind = %s", f.Kind)
	}
	var ack message.HelloAck
	if err := codec.GetCodec(f.Codec).Decode(f.Body, &ack); err != nil {
		t.Fatal(err)
	}
	return ack
}

func validHello(session string) message.Hello {
	return message.Hello{Session: session, Version: protocol.Version, Side: value.SideTest, App: "mail"}
}

func ping(c *transport.Conn) (value.Value, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.Invoke(ctx, &message.Invocation{Class: "Pinger", Method: "Ping"})
}

func TestHandshakeThenInvoke(t *testing.T) {
	s := newTestServer(t)
	c := dialPipe(t, s)

	ack := hello(t, c, validHello("s1"))
	if !ack.Accepted || ack.Session != "s1" || ack.Side != value.SideApp {
		t.Fatalf("ack = %+v", ack)
	}
	if !s.Connected() {
		t.Fatal("server should report a connected peer")
	}
	v, err := ping(c)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if v.Str != "pong" {
		t.Fatalf("ping = %v", v)
	}
}

func TestInvokeBeforeHandshake(t *testing.T) {
	s := newTestServer(t)
	c := dialPipe(t, s)

	_, err := ping(c)
	if !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("err = %v, want connection error", err)
	}
}

func TestHandshakeRejections(t *testing.T) {
	cases := map[string]message.Hello{
		"version": {Session: "v", Version: protocol.Version + 1, Side: value.SideTest, App: "mail"},
		"side":    {Session: "s", Version: protocol.Version, Side: value.SideApp, App: "mail"},
		"app":     {Session: "a", Version: protocol.Version, Side: value.SideTest, App: "calendar"},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t)
			c := dialPipe(t, s)
			ack := hello(t, c, h)
			if ack.Accepted {
				t.Fatal("handshake should be rejected")
			}
			if ack.Reason == "" {
				t.Fatal("rejection should carry a reason")
			}
			if s.Connected() {
				t.Fatal("rejected peer must not become active")
			}
		})
	}
}

func TestNewPeerReplacesActive(t *testing.T) {
	s := newTestServer(t)
	first := dialPipe(t, s)
	hello(t, first, validHello("one"))

	second := dialPipe(t, s)
	hello(t, second, validHello("two"))

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced peer was not closed")
	}
	if _, err := ping(second); err != nil {
		t.Fatalf("ping on new peer: %v", err)
	}
}

func TestInvokeWithoutPeer(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Invoke(context.Background(), &message.Invocation{Class: "Formatter", Method: "Format"})
	if !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("err = %v, want connection lost", err)
	}
	if err := s.Release(context.Background(), value.Ref{Owner: value.SideTest, Handle: 1}); err != nil {
		t.Fatalf("release without peer: %v", err)
	}
}

func TestShutdownClosesPeers(t *testing.T) {
	s := newTestServer(t)
	c := dialPipe(t, s)
	hello(t, c, validHello("s"))

	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("peer still open after shutdown")
	}
	if s.Connected() {
		t.Fatal("no peer should be connected after shutdown")
	}
}
