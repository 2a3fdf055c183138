package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"greybridge/protocol"
	"greybridge/rpcerr"
)

// echo answers every request with its own body.
var echo = HandlerFunc(func(_ context.Context, _ *Conn, f Frame) (Frame, bool) {
	if f.Kind == protocol.KindRelease {
		return Frame{}, false
	}
	return Frame{Kind: protocol.KindResponse, Body: f.Body}, true
})

func pair(t *testing.T, opts ...Option) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	left := New(a, append([]Option{WithSide("test")}, opts...)...)
	right := New(b, append([]Option{WithSide("app"), WithHandler(echo)}, opts...)...)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

// rawPeer returns a Conn and the bare other end of the pipe, for tests that
// need to see the frames exactly as written.
func rawPeer(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	c := New(a, WithSide("test"))
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, b
}

func TestCallSerial(t *testing.T) {
	left, _ := pair(t)

	for _, body := range []string{"one", "two", "three"} {
		f, err := left.Call(context.Background(), protocol.KindRequest, []byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != protocol.KindResponse || string(f.Body) != body {
			t.Fatalf("expect response %q, got %s %q", body, f.Kind, f.Body)
		}
	}
}

func TestCallBothDirections(t *testing.T) {
	a, b := net.Pipe()
	left := New(a, WithSide("test"), WithHandler(echo))
	right := New(b, WithSide("app"), WithHandler(echo))
	defer left.Close()
	defer right.Close()

	f, err := left.Call(context.Background(), protocol.KindRequest, []byte("ping"))
	if err != nil || string(f.Body) != "ping" {
		t.Fatalf("left→right: %v %q", err, f.Body)
	}
	f, err = right.Call(context.Background(), protocol.KindRequest, []byte("pong"))
	if err != nil || string(f.Body) != "pong" {
		t.Fatalf("right→left: %v %q", err, f.Body)
	}
}

// Concurrent callers must never have two requests on the wire at once: the
// peer sees the next request only after it answered the previous one.
func TestConcurrentCallersDoNotInterleave(t *testing.T) {
	c, peer := rawPeer(t)
	const callers = 8

	peerErr := make(chan error, 1)
	go func() {
		for i := 0; i < callers; i++ {
			h, body, err := protocol.Decode(peer)
			if err != nil {
				peerErr <- err
				return
			}
			// Nothing else may arrive while this request is unanswered.
			_ = peer.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
			var one [1]byte
			if n, _ := peer.Read(one[:]); n > 0 {
				peerErr <- errors.New("second request written before the first was answered")
				return
			}
			_ = peer.SetReadDeadline(time.Time{})

			reply := &protocol.Header{CodecType: h.CodecType, Kind: protocol.KindResponse, Seq: h.Seq}
			if err := protocol.Encode(peer, reply, body); err != nil {
				peerErr <- err
				return
			}
		}
		peerErr <- nil
	}()

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := []byte{byte(i)}
			f, err := c.Call(context.Background(), protocol.KindRequest, body)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(f.Body, body) {
				errs <- errors.New("reply routed to the wrong caller")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if err := <-peerErr; err != nil {
		t.Fatal(err)
	}
}

func TestMidCallDisconnect(t *testing.T) {
	c, peer := rawPeer(t)

	go func() {
		_, _, _ = protocol.Decode(peer)
		peer.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_, err := c.Call(ctx, protocol.KindRequest, []byte("x"))
	if !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("expect connection lost, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("disconnect took %s to surface", elapsed)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("conn not marked closed")
	}
	if _, err := c.Call(context.Background(), protocol.KindRequest, nil); !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("call after close: expect connection lost, got %v", err)
	}
	if err := c.Send(protocol.KindRelease, nil); !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("send after close: expect connection lost, got %v", err)
	}
}

func TestLateReplyDiscarded(t *testing.T) {
	c, peer := rawPeer(t)

	go func() {
		h1, _, err := protocol.Decode(peer)
		if err != nil {
			return
		}
		// Answer the first call only after the caller gave up on it.
		time.Sleep(80 * time.Millisecond)
		_ = protocol.Encode(peer, &protocol.Header{CodecType: h1.CodecType, Kind: protocol.KindResponse, Seq: h1.Seq}, []byte("late"))

		h2, _, err := protocol.Decode(peer)
		if err != nil {
			return
		}
		_ = protocol.Encode(peer, &protocol.Header{CodecType: h2.CodecType, Kind: protocol.KindResponse, Seq: h2.Seq}, []byte("fresh"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, protocol.KindRequest, []byte("a")); !errors.Is(err, rpcerr.ErrInvocationTimeout) {
		t.Fatalf("expect invocation timeout, got %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	f, err := c.Call(context.Background(), protocol.KindRequest, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Body) != "fresh" {
		t.Fatalf("expect fresh reply, got %q", f.Body)
	}
}

func TestHeartbeatsAreDropped(t *testing.T) {
	c, peer := rawPeer(t)

	go func() {
		h, body, err := protocol.Decode(peer)
		if err != nil {
			return
		}
		_ = protocol.Encode(peer, &protocol.Header{Kind: protocol.KindHeartbeat}, nil)
		_ = protocol.Encode(peer, &protocol.Header{CodecType: h.CodecType, Kind: protocol.KindResponse, Seq: h.Seq}, body)
	}()

	f, err := c.Call(context.Background(), protocol.KindRequest, []byte("hb"))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != protocol.KindResponse || string(f.Body) != "hb" {
		t.Fatalf("unexpected reply %s %q", f.Kind, f.Body)
	}
}

func TestLargeBodiesAreCompressed(t *testing.T) {
	left, _ := pair(t, WithCompressThreshold(64))

	body := bytes.Repeat([]byte("greybridge "), 2000)
	f, err := left.Call(context.Background(), protocol.KindRequest, body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.Body, body) {
		t.Fatal("compressed body did not survive the round trip")
	}
}

func TestRequestWithoutHandlerIsRefused(t *testing.T) {
	a, b := net.Pipe()
	left := New(a, WithSide("test"))
	right := New(b, WithSide("app"))
	defer left.Close()
	defer right.Close()

	f, err := left.Call(context.Background(), protocol.KindRequest, []byte{0xff})
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != protocol.KindError {
		t.Fatalf("expect error frame, got %s", f.Kind)
	}
}

func TestOnCloseCalledOnce(t *testing.T) {
	a, b := net.Pipe()
	causes := make(chan error, 2)
	c := New(a, WithOnClose(func(err error) { causes <- err }))
	b.Close()

	select {
	case err := <-causes:
		if err == nil {
			t.Fatal("expect a close cause")
		}
	case <-time.After(time.Second):
		t.Fatal("onClose not called")
	}
	c.Close()
	select {
	case <-causes:
		t.Fatal("onClose called twice")
	case <-time.After(50 * time.Millisecond):
	}
}

// An oversized body fails the call before anything is written; the channel
// stays usable even when the body would have compressed below the limit.
func TestOversizedBodyFailsFast(t *testing.T) {
	left, _ := pair(t, WithCompressThreshold(64))

	body := make([]byte, protocol.MaxBodyLen+1024)
	_, err := left.Call(context.Background(), protocol.KindRequest, body)
	if !errors.Is(err, rpcerr.ErrNonMarshalable) {
		t.Fatalf("expect marshal error, got %v", err)
	}
	if err := left.Send(protocol.KindRelease, body); !errors.Is(err, rpcerr.ErrNonMarshalable) {
		t.Fatalf("expect marshal error from send, got %v", err)
	}

	f, err := left.Call(context.Background(), protocol.KindRequest, []byte("ping"))
	if err != nil || string(f.Body) != "ping" {
		t.Fatalf("channel unusable after oversized call: %v", err)
	}
}

// A frame whose compressed body cannot be unpacked fails only its own call.
func TestUnreadableReplyKeepsChannel(t *testing.T) {
	c, peer := rawPeer(t)

	go func() {
		for i := 0; i < 2; i++ {
			h, body, err := protocol.Decode(peer)
			if err != nil {
				return
			}
			reply := &protocol.Header{CodecType: h.CodecType, Kind: protocol.KindResponse, Seq: h.Seq}
			if i == 0 {
				reply.Flags = protocol.FlagCompressed
				body = []byte("not an lz4 stream")
			}
			if err := protocol.Encode(peer, reply, body); err != nil {
				return
			}
		}
	}()

	_, err := c.Call(context.Background(), protocol.KindRequest, []byte("first"))
	if !errors.Is(err, rpcerr.ErrNonMarshalable) {
		t.Fatalf("expect marshal error, got %v", err)
	}
	f, err := c.Call(context.Background(), protocol.KindRequest, []byte("second"))
	if err != nil || string(f.Body) != "second" {
		t.Fatalf("second call: %v %q", err, f.Body)
	}
}
