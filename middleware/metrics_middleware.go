package middleware

import (
	"context"
	"time"

	"greybridge/message"
	"greybridge/metrics"
	"greybridge/rpcerr"
)

func MetricsMiddleware(side string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Outcome {
			start := time.Now()
			out := next(ctx, inv)
			outcome := "ok"
			if out.Err != nil {
				outcome = rpcerr.KindOf(out.Err).String()
			}
			metrics.RecordInvocation(side, inv.Selector(), outcome, time.Since(start))
			return out
		}
	}
}
