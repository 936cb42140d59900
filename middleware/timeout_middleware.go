package middleware

import (
	"context"
	"time"

	"proxy-rmi/message"
)

// TimeOutMiddleware answers with a TimeoutError reply when next does not
// finish within timeout. next keeps running with a cancelled context; its
// late reply is handed to the discard hook installed with WithDiscard.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				go func() { discard(ctx, <-done) }()
				return message.Error("TimeoutError", "request timed out", nil)
			}
		}
	}
}
