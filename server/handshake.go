package server

import (
	"context"
	"fmt"

	"greybridge/codec"
	"greybridge/message"
	"greybridge/protocol"
	"greybridge/rpcerr"
	"greybridge/transport"
)

// handshake answers Hello frames and gates everything else on the connection
// being the active peer.
type handshake struct {
	s *Server
}

func (h handshake) ServeFrame(ctx context.Context, c *transport.Conn, f transport.Frame) (transport.Frame, bool) {
	cd := codec.GetCodec(f.Codec)
	if f.Kind == protocol.KindHello {
		return h.hello(cd, c, f), true
	}
	if h.s.peer.Load() != c {
		if f.Kind != protocol.KindRequest {
			return transport.Frame{}, false
		}
		body, err := codec.EncodeError(cd, &message.ErrorPayload{
			Kind:    rpcerr.KindConnection,
			Message: "handshake required before invoking",
		})
		if err != nil {
			return transport.Frame{}, false
		}
		return transport.Frame{Kind: protocol.KindError, Body: body}, true
	}
	return h.s.dispatcher.ServeFrame(ctx, c, f)
}

func (h handshake) hello(cd codec.Codec, c *transport.Conn, f transport.Frame) transport.Frame {
	local := h.s.dispatcher.Side()
	ack := &message.HelloAck{Side: local}

	var hello message.Hello
	switch err := cd.Decode(f.Body, &hello); {
	case err != nil:
		ack.Reason = fmt.Sprintf("malformed hello: %v", err)
	case hello.Version != protocol.Version:
		ack.Reason = fmt.Sprintf("protocol version %d, want %d", hello.Version, protocol.Version)
	case hello.Side == local:
		ack.Reason = fmt.Sprintf("peer claims the %s side", hello.Side)
	case hello.App != "" && hello.App != h.s.app:
		ack.Reason = fmt.Sprintf("this is %q, not %q", h.s.app, hello.App)
	default:
		ack.Session = hello.Session
		ack.Accepted = true
	}

	if ack.Accepted {
		h.s.activate(c)
		h.s.logger.Info().Str("session", hello.Session).Stringer("remote", c.RemoteAddr()).Msg("peer connected")
	} else {
		h.s.logger.Warn().Str("reason", ack.Reason).Stringer("remote", c.RemoteAddr()).Msg("handshake rejected")
	}

	body, err := cd.Encode(ack)
	if err != nil {
		h.s.logger.Error().Err(err).Msg("encode hello-ack")
	}
	return transport.Frame{Kind: protocol.KindHelloAck, Body: body}
}
