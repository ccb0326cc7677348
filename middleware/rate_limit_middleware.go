package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-jsonrpc/message"
)

// RateLimitMiddleware rejects requests beyond a token bucket of r per second
// with the given burst. Rejected requests are answered with CodeRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (any, error) {
			if !limiter.Allow() {
				return nil, &message.Error{Code: message.CodeRateLimited, Message: "Rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
