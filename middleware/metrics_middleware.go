package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"mini-jsonrpc/message"
)

// MetricsMiddleware records jsonrpc_requests_total{method,kind,code} and
// jsonrpc_request_duration_seconds{method}. Collectors already registered on
// reg by an earlier call are reused.
func MetricsMiddleware(reg prometheus.Registerer) (Middleware, error) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jsonrpc_requests_total",
		Help: "Inbound JSON-RPC requests and notifications by method and result code.",
	}, []string{"method", "kind", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jsonrpc_request_duration_seconds",
		Help:    "Handler latency by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	if err := register(reg, &requests); err != nil {
		return nil, err
	}
	if err := register(reg, &duration); err != nil {
		return nil, err
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
			requests.WithLabelValues(req.Method, req.Kind().String(), strconv.Itoa(ErrorCode(err))).Inc()
			return result, err
		}
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				*c = existing
				return nil
			}
		}
		return err
	}
	return nil
}
