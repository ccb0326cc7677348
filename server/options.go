package server

import (
	"mini-jsonrpc/endpoint"
	"mini-jsonrpc/logging"
)

type options struct {
	logger       logging.Logger
	endpointOpts []endpoint.Option
	names        []string
	ttl          int64
	weight       int
	version      string
	codec        string
	framing      string
}

// Option is a function that configures server options.
type Option func(*options)

// WithLogger sets the logger used by the server and its endpoints.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithEndpointOptions applies opts to the endpoint of every accepted
// connection. The server's router is always used.
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(o *options) {
		o.endpointOpts = append(o.endpointOpts, opts...)
	}
}

// WithServiceName advertises name in the registry in addition to the
// services registered with RegisterService.
func WithServiceName(name ...string) Option {
	return func(o *options) {
		o.names = append(o.names, name...)
	}
}

// WithRegistration sets the lease TTL in seconds and the load balancing
// weight used when advertising.
func WithRegistration(ttl int64, weight int, version string) Option {
	return func(o *options) {
		o.ttl = ttl
		o.weight = weight
		o.version = version
	}
}

// WithWireFormat records the codec and framing names advertised to clients.
// They must match the codec and framing passed with WithEndpointOptions.
func WithWireFormat(codec, framing string) Option {
	return func(o *options) {
		o.codec = codec
		o.framing = framing
	}
}

func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = logging.Default()
	}
	if opts.ttl <= 0 {
		opts.ttl = 10 // KeepAlive renews automatically
	}
	if opts.weight <= 0 {
		opts.weight = 1
	}
}
