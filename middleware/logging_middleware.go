package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"proxy-rmi/message"
)

// LoggingMiddleware logs every request with its duration, using the logger
// carried by ctx (see zerolog.Ctx).
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, req)
			duration := time.Since(start)

			logger := zerolog.Ctx(ctx)
			event := logger.Info()
			if reply != nil && reply.Type == message.TypeError {
				event = logger.Warn()
				if reply.Err != nil {
					event = event.Str("error_type", reply.Err.Type).Str("error", reply.Err.Message)
				}
			}
			event = event.Stringer("type", req.Type).Uint32("seq", req.Seq)
			if req.Type == message.TypeInvoke {
				event = event.Uint64("id", req.ID).Str("method", req.Method)
			}
			event.Dur("duration", duration).Bool("replied", reply != nil).Msg("request served")
			return reply
		}
	}
}
