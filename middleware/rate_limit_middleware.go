package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"proxy-rmi/message"
)

// RateLimitMiddleware rejects requests beyond a token-bucket rate of r per
// second with bursts of up to burst requests.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.Error("RateLimitError", "rate limit exceeded", nil)
			}
			return next(ctx, req)
		}
	}
}
