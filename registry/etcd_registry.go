// Package registry provides the etcd-based implementation of the Registry interface.
//
// etcd is used as a "distributed phonebook" for JSON-RPC servers:
//
//	Key:   /jsonrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"mini-jsonrpc/logging"
)

// KeyPrefix is the root of every key written by EtcdRegistry.
const KeyPrefix = "/jsonrpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger logging.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger logging.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 3 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func serviceKey(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

// Register adds a service instance to etcd with a TTL lease and keeps the
// lease alive in the background until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := serviceKey(serviceName, instance.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// The keep-alive must outlive ctx: it stops when the lease is revoked.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep alive")
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", "key", key)
	}()

	r.logger.Info("service registered", "service", serviceName, "addr", instance.Addr, "ttl", ttl)
	return nil
}

// Deregister removes a service instance from etcd and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.logger.Warn("revoke lease", "key", key, "error", err)
		}
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur. The channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := KeyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list instead of replaying events
			instances, err := r.Discover(ctx, serviceName)
			if err != nil && !errors.Is(err, ErrNotFound) {
				r.logger.Warn("discover after watch event", "service", serviceName, "error", err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	prefix := KeyPrefix + serviceName + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", prefix)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skip malformed instance", "key", string(kv.Key), "error", err)
			continue
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%s", serviceName)
	}
	return instances, nil
}

// Close revokes every lease held by this registry and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for key, lease := range leases {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.logger.Warn("revoke lease", "key", key, "error", err)
		}
	}
	return r.client.Close()
}
