package middleware

import (
	"context"
	"time"

	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
)

// LoggingMiddleware logs every handled message with its duration. Failures are
// logged at warn level, successes at debug level.
func LoggingMiddleware(logger logging.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			duration := time.Since(start)

			if err != nil {
				logger.Warn("handler failed",
					"method", req.Method,
					"id", req.ID.String(),
					"duration", duration,
					"code", ErrorCode(err),
					"error", err)
				return result, err
			}
			logger.Debug("handled",
				"method", req.Method,
				"id", req.ID.String(),
				"kind", req.Kind().String(),
				"duration", duration)
			return result, nil
		}
	}
}
