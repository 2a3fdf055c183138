package transport

import (
	"context"
	"errors"

	"greybridge/codec"
	"greybridge/message"
	"greybridge/protocol"
	"greybridge/rpcerr"
	"greybridge/value"
)

// Invoke sends inv as a request frame and decodes the reply. Framework errors
// are reported with the invocation's selector as their operation.
func (c *Conn) Invoke(ctx context.Context, inv *message.Invocation) (value.Value, error) {
	cd := c.Codec()
	body, err := codec.EncodeInvocation(cd, inv)
	if err != nil {
		return value.Value{}, withOp(err, inv.Selector())
	}

	f, err := c.Call(ctx, protocol.KindRequest, body)
	if err != nil {
		return value.Value{}, withOp(err, inv.Selector())
	}

	rc := codec.GetCodec(f.Codec)
	switch f.Kind {
	case protocol.KindResponse:
		res, err := codec.DecodeResult(rc, f.Body)
		if err != nil {
			return value.Value{}, rpcerr.New(inv.Selector(), rpcerr.ErrInternal, "decode result: %v", err)
		}
		return res.Value, nil
	case protocol.KindError:
		p, err := codec.DecodeError(rc, f.Body)
		if err != nil {
			return value.Value{}, rpcerr.New(inv.Selector(), rpcerr.ErrInternal, "decode error payload: %v", err)
		}
		return value.Value{}, p.Err()
	}
	return value.Value{}, rpcerr.New(inv.Selector(), rpcerr.ErrInternal, "unexpected %s reply", f.Kind)
}

// Release tells the peer it may drop the given handles. It does not wait.
func (c *Conn) Release(handles ...uint64) error {
	if len(handles) == 0 {
		return nil
	}
	body, err := c.Codec().Encode(&message.Release{Handles: handles})
	if err != nil {
		return err
	}
	return c.Send(protocol.KindRelease, body)
}

func withOp(err error, op string) error {
	var e *rpcerr.Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Op = op
	return &cp
}
