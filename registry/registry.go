// Package registry lets servers advertise the services they expose and lets
// clients find them.
package registry

import (
	"context"

	"github.com/pkg/errors"
)

// ServiceInstance is one server able to answer a service's methods. Codec and
// Framing tell clients how to talk to it.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
	Codec   string `json:"codec,omitempty"`
	Framing string `json:"framing,omitempty"`
}

// ErrNotFound is returned by Discover when no instance is registered.
var ErrNotFound = errors.New("service not found")

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
