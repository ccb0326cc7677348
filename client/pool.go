package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"mini-jsonrpc/endpoint"
)

var errPoolClosed = errors.New("endpoint pool closed")

// endpointPool keeps up to size multiplexed endpoints to one address.
//
// Endpoints are shared rather than borrowed: many calls run on one endpoint
// at once, so Get hands them out round-robin and nothing is returned to the
// pool. An endpoint whose connection died is dropped and replaced on the next
// Get. The pool starts empty and grows on demand.
type endpointPool struct {
	mu      sync.Mutex
	addr    string // Target address
	size    int    // Maximum number of endpoints
	eps     []*endpoint.Endpoint
	next    int
	closed  bool
	factory func(ctx context.Context) (*endpoint.Endpoint, error) // Dials and starts an endpoint
}

func newEndpointPool(addr string, size int, factory func(ctx context.Context) (*endpoint.Endpoint, error)) *endpointPool {
	return &endpointPool{
		addr:    addr,
		size:    size,
		factory: factory,
	}
}

// Get returns a running endpoint.
// Strategy:
//  1. Drop endpoints that are no longer running
//  2. If under the limit, dial a new one
//  3. Otherwise hand out the next live endpoint round-robin
func (p *endpointPool) Get(ctx context.Context) (*endpoint.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errPoolClosed
	}

	live := p.eps[:0]
	for _, ep := range p.eps {
		if ep.State() == endpoint.StateRunning {
			live = append(live, ep)
		} else {
			ep.Close()
		}
	}
	clear(p.eps[len(live):])
	p.eps = live

	if len(p.eps) < p.size {
		// Dialing under the lock keeps the pool from exceeding size under concurrent access
		ep, err := p.factory(ctx)
		if err != nil {
			if len(p.eps) == 0 {
				return nil, errors.Wrapf(err, "dial %s", p.addr)
			}
			// Fall back to an existing endpoint
		} else {
			p.eps = append(p.eps, ep)
			return ep, nil
		}
	}

	ep := p.eps[p.next%len(p.eps)]
	p.next++
	return ep, nil
}

// Len returns the number of endpoints held.
func (p *endpointPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.eps)
}

// Close shuts down the pool and closes all endpoints.
func (p *endpointPool) Close() error {
	p.mu.Lock()
	eps := p.eps
	p.eps = nil
	p.closed = true
	p.mu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
	return nil
}
