package client

import (
	"time"

	"mini-jsonrpc/endpoint"
	"mini-jsonrpc/logging"
)

type options struct {
	poolSize       int
	maxRetries     int
	retryBase      time.Duration
	defaultService string
	endpointOpts   []endpoint.Option
	logger         logging.Logger
}

// Option is a function that configures client options.
type Option func(*options)

// WithPoolSize sets how many connections are kept to each instance.
func WithPoolSize(n int) Option {
	return func(o *options) {
		o.poolSize = n
	}
}

// WithRetry retries failed calls up to maxRetries times, waiting
// base * 2^attempt between attempts.
func WithRetry(maxRetries int, base time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.retryBase = base
	}
}

// WithDefaultService names the service looked up for methods without a
// "Service." prefix.
func WithDefaultService(name string) Option {
	return func(o *options) {
		o.defaultService = name
	}
}

// WithEndpointOptions applies opts to every endpoint the client dials.
// The codec and framing advertised by an instance take precedence.
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(o *options) {
		o.endpointOpts = append(o.endpointOpts, opts...)
	}
}

func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func checkOptions(opts *options) {
	if opts.poolSize <= 0 {
		opts.poolSize = 1
	}
	if opts.maxRetries < 0 {
		opts.maxRetries = 0
	}
	if opts.retryBase <= 0 {
		opts.retryBase = 50 * time.Millisecond
	}
	if opts.logger == nil {
		opts.logger = logging.Default()
	}
}
