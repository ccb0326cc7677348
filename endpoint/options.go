package endpoint

import (
	"time"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/protocol"
)

// HeartbeatMethod is the notification sent by the keep-alive loop. Peers
// without a handler for it drop it like any unknown notification.
const HeartbeatMethod = "$/heartbeat"

// options holds the configuration for an endpoint.
type options struct {
	codec      codec.Codec
	framing    protocol.Framing
	hasFraming bool

	defaultTimeout        time.Duration // applied to Call when ctx has no deadline
	maxConcurrentHandlers int           // 0 means unbounded
	maxMessageSize        int
	keepAlive             time.Duration

	router    *dispatch.Router
	logger    logging.Logger
	ids       IDGenerator
	onAnomaly func(Anomaly)

	failPendingOnUncorrelatedError bool
}

// Option is a function that configures endpoint options.
type Option func(*options)

// WithCodec sets the wire codec. JSON is used by default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithFraming sets how frames are delimited on the stream. The default is
// FramingStream for JSON and FramingBinary for msgpack.
func WithFraming(f protocol.Framing) Option {
	return func(o *options) {
		o.framing = f
		o.hasFraming = true
	}
}

// WithDefaultTimeout sets the deadline applied to a Call whose context has
// none. Zero waits without limit.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		o.defaultTimeout = d
	}
}

// WithMaxConcurrentHandlers bounds how many inbound requests run at once.
// Frames keep being read while the bound is reached; waiting requests queue.
func WithMaxConcurrentHandlers(n int) Option {
	return func(o *options) {
		o.maxConcurrentHandlers = n
	}
}

// WithMaxMessageSize sets the largest frame body accepted or sent.
func WithMaxMessageSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// WithRouter serves inbound calls from r, which may be shared between endpoints.
func WithRouter(r *dispatch.Router) Option {
	return func(o *options) {
		o.router = r
	}
}

// WithLogger sets the logger. If not set, the default slog logger is used.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithIDGenerator replaces the default integer counter.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithAnomalyHandler receives every ignored protocol anomaly. It runs on the
// receive loop and must not block.
func WithAnomalyHandler(fn func(Anomaly)) Option {
	return func(o *options) {
		o.onAnomaly = fn
	}
}

// WithKeepAlive sends a HeartbeatMethod notification every interval.
func WithKeepAlive(interval time.Duration) Option {
	return func(o *options) {
		o.keepAlive = interval
	}
}

// WithFailPendingOnUncorrelatedError makes an error response without id fail
// every outstanding call with that error, instead of only being reported as
// an anomaly.
func WithFailPendingOnUncorrelatedError(enable bool) Option {
	return func(o *options) {
		o.failPendingOnUncorrelatedError = enable
	}
}

// checkOptions validates and sets default values for endpoint options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		opts.codec = codec.GetCodec(codec.CodecTypeJSON)
	}

	if !opts.hasFraming {
		opts.framing = protocol.FramingStream
		if opts.codec.Type() != codec.CodecTypeJSON {
			opts.framing = protocol.FramingBinary
		}
	}
	if opts.codec.Type() != codec.CodecTypeJSON && !opts.framing.SelfDelimiting() {
		return ErrInvalidFraming
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = protocol.DefaultMaxMessageSize
	}

	if opts.maxConcurrentHandlers < 0 {
		opts.maxConcurrentHandlers = 0
	}

	if opts.router == nil {
		opts.router = dispatch.NewRouter()
	}

	if opts.logger == nil {
		opts.logger = logging.Default()
	}

	if opts.ids == nil {
		opts.ids = NewCounterIDs()
	}

	return nil
}
