package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"mini-jsonrpc/message"
)

// RecoveryMiddleware converts a handler panic into an InternalError carrying
// the stack trace as error data.
func RecoveryMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = message.NewError(message.CodeInternalError,
						fmt.Sprintf("Internal error: %v", r),
						map[string]string{"stack": string(debug.Stack())})
				}
			}()
			return next(ctx, req)
		}
	}
}
