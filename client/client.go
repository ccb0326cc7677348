// Package client calls services found through a registry. It picks an
// instance with a load balancer, keeps a pool of multiplexed endpoints per
// instance and retries transient failures with exponential backoff.
//
//	Call("Arith.Add") → Registry.Discover("Arith") → Balancer.Pick
//	  → endpointPool.Get(addr) → Endpoint.Call
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/endpoint"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/protocol"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("client closed")

type Client struct {
	registry registry.Registry // find service instance from registry
	balancer loadbalance.Balancer
	opts     options
	logger   logging.Logger

	mu     sync.Mutex
	pools  map[string]*endpointPool // endpoints for each service instance
	closed bool
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opt ...Option) *Client {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}

	return &Client{
		registry: reg,
		balancer: bal,
		opts:     opts,
		logger:   opts.logger,
		pools:    make(map[string]*endpointPool),
	}
}

// Call invokes method on an instance of its service and decodes the result
// into result. Transient failures are retried on a freshly picked instance.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	for attempt := 0; ; attempt++ {
		err := c.call(ctx, method, params, result)
		if err == nil || attempt >= c.opts.maxRetries || !retryable(err) {
			return err
		}

		delay := middleware.Backoff(c.opts.retryBase, attempt)
		c.logger.Warn("retrying call", "method", method, "attempt", attempt+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	ep, err := c.endpointFor(ctx, method)
	if err != nil {
		return err
	}
	return ep.Call(ctx, method, params, result)
}

// Notify sends a notification to one instance of the method's service.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	ep, err := c.endpointFor(ctx, method)
	if err != nil {
		return err
	}
	return ep.Notify(ctx, method, params)
}

// endpointFor discovers the method's service, picks an instance and returns
// a running endpoint to it.
func (c *Client) endpointFor(ctx context.Context, method string) (*endpoint.Endpoint, error) {
	service := c.serviceOf(method)
	if service == "" {
		return nil, errors.Errorf("invalid method %q: no service prefix and no default service", method)
	}

	// Get service instances from registry
	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, err
	}

	// Select an instance using load balancer
	instance, err := c.balancer.Pick(method, instances)
	if err != nil {
		return nil, err
	}

	pool, err := c.pool(*instance)
	if err != nil {
		return nil, err
	}
	ep, err := pool.Get(ctx)
	if err != nil {
		return nil, &dialError{err: err}
	}
	return ep, nil
}

func (c *Client) serviceOf(method string) string {
	if i := strings.IndexByte(method, '.'); i > 0 {
		return method[:i]
	}
	return c.opts.defaultService
}

func (c *Client) pool(instance registry.ServiceInstance) (*endpointPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	pool, ok := c.pools[instance.Addr]
	if !ok {
		opts, err := c.endpointOptions(instance)
		if err != nil {
			return nil, err
		}
		addr := instance.Addr
		pool = newEndpointPool(addr, c.opts.poolSize, func(ctx context.Context) (*endpoint.Endpoint, error) {
			conn, err := transport.Dial(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			ep, err := endpoint.New(conn, opts...)
			if err != nil {
				conn.Close()
				return nil, err
			}
			if err := ep.Start(); err != nil {
				return nil, err
			}
			c.logger.Debug("endpoint dialed", "addr", addr)
			return ep, nil
		})
		c.pools[instance.Addr] = pool
	}
	return pool, nil
}

// endpointOptions applies the wire format the instance advertises on top of
// the client's own endpoint options.
func (c *Client) endpointOptions(instance registry.ServiceInstance) ([]endpoint.Option, error) {
	opts := []endpoint.Option{endpoint.WithLogger(c.logger)}
	opts = append(opts, c.opts.endpointOpts...)
	if instance.Codec != "" {
		ct, err := codec.ParseCodecType(instance.Codec)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %s", instance.Addr)
		}
		opts = append(opts, endpoint.WithCodec(codec.GetCodec(ct)))
	}
	if instance.Framing != "" {
		f, err := protocol.ParseFraming(instance.Framing)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %s", instance.Addr)
		}
		opts = append(opts, endpoint.WithFraming(f))
	}
	return opts, nil
}

// Close closes every pooled endpoint. Calls in flight fail with
// endpoint.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*endpointPool)
	c.closed = true
	c.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	return nil
}

// dialError marks a failure to reach the picked instance.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return e.err.Error() }

func (e *dialError) Unwrap() error { return e.err }

// retryable reports whether a call may succeed on another attempt, e.g. on a
// connection that died before the response arrived.
func retryable(err error) bool {
	if errors.Is(err, ErrClientClosed) || errors.Is(err, errPoolClosed) {
		return false
	}
	var de *dialError
	if errors.As(err, &de) {
		return true
	}
	if errors.Is(err, endpoint.ErrClosed) {
		return true
	}
	var te *endpoint.TransportError
	if errors.As(err, &te) {
		return true
	}
	return middleware.Retryable(err)
}
