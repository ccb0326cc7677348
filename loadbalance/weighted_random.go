package loadbalance

import (
	"math/rand"

	"mini-jsonrpc/registry"
)

type WeightedRandomBalancer struct{}

// Pick draws an instance with probability proportional to its weight.
// Instances without a positive weight count as weight 1.
func (b *WeightedRandomBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
