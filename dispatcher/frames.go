package dispatcher

import (
	"context"

	"greybridge/codec"
	"greybridge/handles"
	"greybridge/message"
	"greybridge/metrics"
	"greybridge/protocol"
	"greybridge/rpcerr"
	"greybridge/transport"
)

// ServeFrame makes the dispatcher a transport.Handler: it answers request
// frames and applies release frames to the handle table.
func (d *Dispatcher) ServeFrame(ctx context.Context, _ *transport.Conn, f transport.Frame) (transport.Frame, bool) {
	c := codec.GetCodec(f.Codec)
	switch f.Kind {
	case protocol.KindRequest:
		inv, err := codec.DecodeInvocation(c, f.Body)
		if err != nil {
			return d.reply(c, nil, message.Fail(rpcerr.New("decode", rpcerr.ErrNonMarshalable, "%v", err))), true
		}
		return d.reply(c, inv, d.Dispatch(ctx, inv)), true
	case protocol.KindRelease:
		var rel message.Release
		if err := c.Decode(f.Body, &rel); err != nil {
			d.logger.Warn().Err(err).Msg("malformed release frame")
			return transport.Frame{}, false
		}
		for _, h := range rel.Handles {
			d.objects.Release(handles.Handle(h))
		}
		metrics.SetLiveHandles(d.side.String(), d.objects.Len())
	default:
		d.logger.Debug().Stringer("kind", f.Kind).Msg("ignoring frame")
	}
	return transport.Frame{}, false
}

func (d *Dispatcher) reply(c codec.Codec, inv *message.Invocation, out *message.Outcome) transport.Frame {
	if out.Err == nil {
		body, err := codec.EncodeResult(c, &message.Result{Value: out.Value})
		if err == nil {
			return transport.Frame{Kind: protocol.KindResponse, Body: body}
		}
		op := "result"
		if inv != nil {
			op = inv.Selector()
		}
		out = message.Fail(rpcerr.New(op, rpcerr.ErrNonMarshalable, "result: %v", err))
	}
	body, err := codec.EncodeError(c, message.ErrorFrom(out.Err, inv))
	if err != nil {
		body, _ = codec.EncodeError(c, &message.ErrorPayload{Kind: rpcerr.KindInternal, Message: err.Error()})
	}
	return transport.Frame{Kind: protocol.KindError, Body: body}
}
