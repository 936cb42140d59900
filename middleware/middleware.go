// Package middleware wraps the dispatch of inbound requests on a proxy node.
//
// A HandlerFunc receives a request (an Invoke or an extension request such as
// Fetch) and returns the reply to send, or nil when no reply is due. Failures
// are expressed as Error replies, never as Go errors, because the caller on
// the other side of the connection is the one who has to see them.
package middleware

import (
	"context"

	"proxy-rmi/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type discardKey struct{}

// WithDiscard returns a context carrying fn. A middleware that drops a reply
// produced by next (a late reply after a timeout) passes it to fn so the
// node can undo what building it registered.
func WithDiscard(ctx context.Context, fn func(*message.Message)) context.Context {
	return context.WithValue(ctx, discardKey{}, fn)
}

func discard(ctx context.Context, reply *message.Message) {
	if fn, ok := ctx.Value(discardKey{}).(func(*message.Message)); ok && reply != nil {
		fn(reply)
	}
}
