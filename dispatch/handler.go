package dispatch

import (
	"context"
	"encoding/json"

	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
)

// Typed adapts a function taking decoded params. Params of either shape are
// decoded into P; absent params leave P at its zero value. Params that do not
// fit P are answered with InvalidParams before fn runs.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Message) (any, error) {
		var p P
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}
}

// Named is Typed restricted to by-name params (a JSON object).
func Named[P, R any](fn func(ctx context.Context, params P) (R, error)) middleware.HandlerFunc {
	typed := Typed(fn)
	return func(ctx context.Context, req *message.Message) (any, error) {
		if len(req.Params) > 0 && req.Params[0] != '{' {
			return nil, message.ErrInvalidParams("expected named params")
		}
		return typed(ctx, req)
	}
}

// Positional is Typed restricted to by-position params (a JSON array).
func Positional[P, R any](fn func(ctx context.Context, params P) (R, error)) middleware.HandlerFunc {
	typed := Typed(fn)
	return func(ctx context.Context, req *message.Message) (any, error) {
		if len(req.Params) > 0 && req.Params[0] != '[' {
			return nil, message.ErrInvalidParams("expected positional params")
		}
		return typed(ctx, req)
	}
}

// NoParams adapts a function that takes no params. Empty arrays and objects
// are accepted; anything else is InvalidParams.
func NoParams[R any](fn func(ctx context.Context) (R, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Message) (any, error) {
		switch string(req.Params) {
		case "", "[]", "{}":
		default:
			return nil, message.ErrInvalidParams("method takes no params")
		}
		return fn(ctx)
	}
}

// Notification adapts a function with no result, for methods called as
// notifications. Used as a request handler, it answers with a null result.
func Notification[P any](fn func(ctx context.Context, params P) error) middleware.HandlerFunc {
	return Typed(func(ctx context.Context, params P) (any, error) {
		return nil, fn(ctx, params)
	})
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return message.ErrInvalidParams(err.Error())
	}
	return nil
}
