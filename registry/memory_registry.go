package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryRegistry keeps instances in process memory. TTLs are ignored. It
// serves tests and single-process deployments without etcd.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance // service → addr → instance
	watchers map[string][]chan []ServiceInstance
	closed   bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("registry closed")
	}
	if r.services[serviceName] == nil {
		r.services[serviceName] = make(map[string]ServiceInstance)
	}
	r.services[serviceName][instance.Addr] = instance
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[serviceName], addr)
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances := r.list(serviceName)
	if len(instances) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%s", serviceName)
	}
	return instances, nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				r.watchers[serviceName] = append(ws[:i], ws[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MemoryRegistry) list(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for _, inst := range r.services[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr < instances[j].Addr
	})
	return instances
}

// notify sends the latest list to every watcher, replacing a list the
// watcher has not consumed yet. Called with r.mu held.
func (r *MemoryRegistry) notify(serviceName string) {
	instances := r.list(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
