package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mini-jsonrpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing cache affinity for stateful services or local caches.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring
// so a handful of instances still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu        sync.Mutex
	replicas  int                                 // Virtual nodes per real instance
	ring      []uint32                            // Sorted hash values on the ring
	nodes     map[uint32]registry.ServiceInstance // Hash value → instance mapping
	signature string                              // Addresses the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.signature = ""
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in lookup()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the instance responsible for key. When instances differs from
// the set the ring was built from, the ring is rebuilt first. A nil list
// picks from the instances added with Add.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instances != nil {
		if len(instances) == 0 {
			return nil, ErrNoInstances
		}
		if sig := signatureOf(instances); sig != b.signature {
			b.ring = b.ring[:0]
			b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
			for _, inst := range instances {
				b.add(inst)
			}
			b.signature = sig
		}
	}
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	inst := b.lookup(key)
	return &inst, nil
}

// lookup hashes the key, then binary-searches for the first node >= hash on
// the ring, wrapping around to the first node past the end.
func (b *ConsistentHashBalancer) lookup(key string) registry.ServiceInstance {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signatureOf(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
