package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"greybridge/message"
	"greybridge/rpcerr"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Outcome {
			start := time.Now()
			out := next(ctx, inv)

			event := logger.Debug()
			if out.Err != nil {
				// Remote errors belong to the test; framework errors are ours.
				if rpcerr.IsFramework(out.Err) {
					event = logger.Warn().Err(out.Err)
				} else {
					event = logger.Debug().Err(out.Err)
				}
			}
			event.
				Str("selector", inv.Selector()).
				Uint64("target", inv.Target).
				Int("args", len(inv.Args)).
				Dur("duration", time.Since(start)).
				Msg("invocation")
			return out
		}
	}
}
