package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"mini-jsonrpc/message"
)

// Retryable reports whether err is transient: a local deadline, a timeout-typed
// error, or a remote error telling the caller to come back later.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case message.CodeServerShutdown, message.CodeRateLimited, message.CodeHandlerTimeout:
			return true
		}
	}
	return false
}

// Backoff returns the delay before retry attempt (0-based): base * 2^attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<attempt)
}

// RetryMiddleware re-runs a handler that failed with a retryable error, with
// exponential backoff. It suits handlers that forward work to another peer.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool) Middleware {
	if retryable == nil {
		retryable = Retryable
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (any, error) {
			result, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return result, err
				}
				select {
				case <-time.After(Backoff(baseDelay, i)):
				case <-ctx.Done():
					return nil, err
				}
				result, err = next(ctx, req)
			}
			return result, err
		}
	}
}
