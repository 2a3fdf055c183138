package transport

import (
	"context"

	"greybridge/codec"
	"greybridge/message"
	"greybridge/protocol"
	"greybridge/rpcerr"
)

// refuseAll answers every request on a Conn that has no local handler, so a
// peer calling into it fails fast instead of waiting for its timeout.
type refuseAll struct{}

func (refuseAll) ServeFrame(_ context.Context, _ *Conn, f Frame) (Frame, bool) {
	c := codec.GetCodec(f.Codec)
	switch f.Kind {
	case protocol.KindRequest:
		p := &message.ErrorPayload{
			Kind:    rpcerr.KindResolution,
			Name:    message.CodeTargetNotFound,
			Message: "no objects are served on this side",
		}
		if inv, err := codec.DecodeInvocation(c, f.Body); err == nil {
			p.Class, p.Method = inv.Class, inv.Method
		}
		body, err := codec.EncodeError(c, p)
		if err != nil {
			return Frame{}, false
		}
		return Frame{Kind: protocol.KindError, Body: body}, true
	case protocol.KindHello:
		body, err := c.Encode(&message.HelloAck{Accepted: false, Reason: "handshake not served on this side"})
		if err != nil {
			return Frame{}, false
		}
		return Frame{Kind: protocol.KindHelloAck, Body: body}, true
	}
	return Frame{}, false
}
