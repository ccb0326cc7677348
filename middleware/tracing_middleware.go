package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mini-jsonrpc/message"
)

const tracerName = "mini-jsonrpc/middleware"

// TracingMiddleware starts a server span per inbound message, named after the
// method, and marks it failed when the handler returns an error.
func TracingMiddleware(tp trace.TracerProvider) Middleware {
	tracer := tp.Tracer(tracerName)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (any, error) {
			attrs := []attribute.KeyValue{
				attribute.String("rpc.system", "jsonrpc"),
				attribute.String("rpc.method", req.Method),
				attribute.String("rpc.jsonrpc.version", message.Version),
			}
			if req.ID.IsSet() {
				attrs = append(attrs, attribute.String("rpc.jsonrpc.request_id", req.ID.String()))
			}
			ctx, span := tracer.Start(ctx, req.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...))
			defer span.End()

			result, err := next(ctx, req)
			if err != nil {
				span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", ErrorCode(err)))
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, err
		}
	}
}
