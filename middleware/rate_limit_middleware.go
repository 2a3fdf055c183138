package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"greybridge/message"
	"greybridge/rpcerr"
)

// RateLimitMiddleware admits invocations through a token bucket. Callers wait
// for a token until their deadline; r <= 0 disables the limit.
func RateLimitMiddleware(r float64, burst int) Middleware {
	if r <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Outcome {
			if err := limiter.Wait(ctx); err != nil {
				return message.Fail(rpcerr.New(inv.Selector(), rpcerr.ErrInvocationTimeout, "rate limit: %v", err))
			}
			return next(ctx, inv)
		}
	}
}
