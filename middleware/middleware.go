// Package middleware wraps inbound request handlers with cross-cutting behavior.
package middleware

import (
	"context"

	"github.com/pkg/errors"

	"mini-jsonrpc/message"
)

// HandlerFunc serves one request or notification. It returns a result value
// (encoded as the response result) or an error. Returning a *message.Error
// controls the exact code, message and data sent back.
type HandlerFunc func(ctx context.Context, req *message.Message) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one. The first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ErrorCode returns the wire code an error will be answered with: the code of a
// *message.Error, InternalError for any other failure, 0 for success.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return message.CodeInternalError
}
