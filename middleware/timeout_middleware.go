package middleware

import (
	"context"
	"time"

	"greybridge/message"
	"greybridge/rpcerr"
)

// TimeoutMiddleware bounds the rest of the chain by the invocation's own
// timeout, or by fallback when the invocation carries none. The handler keeps
// running after the deadline; its outcome is dropped.
func TimeoutMiddleware(fallback time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Outcome {
			timeout := fallback
			if inv.TimeoutMillis > 0 {
				timeout = time.Duration(inv.TimeoutMillis) * time.Millisecond
			}
			if timeout <= 0 {
				return next(ctx, inv)
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Outcome, 1)
			go func() {
				done <- next(ctx, inv)
			}()

			select {
			case out := <-done:
				return out
			case <-ctx.Done():
				return message.Fail(rpcerr.New(inv.Selector(), rpcerr.ErrInvocationTimeout, "no result after %s", timeout))
			}
		}
	}
}
