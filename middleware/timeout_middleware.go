package middleware

import (
	"context"
	"time"

	"mini-jsonrpc/message"
)

type handlerResult struct {
	value any
	err   error
}

// TimeOutMiddleware answers with CodeHandlerTimeout when the handler does not
// return within timeout. The handler's context is cancelled at that point.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan handlerResult, 1)
			go func() {
				v, err := next(ctx, req)
				done <- handlerResult{value: v, err: err}
			}()

			select {
			case r := <-done:
				return r.value, r.err
			case <-ctx.Done():
				return nil, message.NewError(message.CodeHandlerTimeout, "Request timed out", map[string]string{
					"method":  req.Method,
					"timeout": timeout.String(),
				})
			}
		}
	}
}
