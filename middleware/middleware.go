package middleware

import (
	"context"

	"greybridge/message"
)

// HandlerFunc handles one inbound invocation.
type HandlerFunc func(ctx context.Context, inv *message.Invocation) *message.Outcome

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
