// Package loadbalance provides load balancing strategies for distributing
// calls across multiple service instances.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"strings"

	"github.com/pkg/errors"

	"mini-jsonrpc/registry"
)

// ErrNoInstances is returned by Pick for an empty instance list.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the
	// call (the method name); only key-based strategies look at it.
	// Called on every call, must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "round_robin", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "weightedrandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "consistenthash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Errorf("unknown balancer %q", name)
	}
}
