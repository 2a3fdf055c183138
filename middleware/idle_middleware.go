package middleware

import (
	"context"
	"time"

	"greybridge/idle"
	"greybridge/message"
	"greybridge/metrics"
)

// IdleGateMiddleware blocks each invocation until gate reports idle, or fails
// it with an idle-timeout error.
func IdleGateMiddleware(gate *idle.Gate, timeout time.Duration, side string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Outcome {
			start := time.Now()
			err := gate.WaitUntilIdle(ctx, timeout)
			metrics.RecordIdleWait(side, time.Since(start), err == nil)
			if err != nil {
				return message.Fail(err)
			}
			return next(ctx, inv)
		}
	}
}
