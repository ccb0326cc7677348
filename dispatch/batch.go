package dispatch

import (
	"sync"

	"mini-jsonrpc/message"
)

// Collector gathers the responses produced for one inbound batch. Each element
// is started with Add and finished with Done; Wait returns once all elements
// are done. Notifications finish with a nil response and contribute nothing.
type Collector struct {
	mu        sync.Mutex
	wg        sync.WaitGroup
	responses []*message.Message
}

func NewCollector(size int) *Collector {
	return &Collector{responses: make([]*message.Message, 0, size)}
}

func (c *Collector) Add() {
	c.wg.Add(1)
}

func (c *Collector) Done(resp *message.Message) {
	if resp != nil {
		c.mu.Lock()
		c.responses = append(c.responses, resp)
		c.mu.Unlock()
	}
	c.wg.Done()
}

// Wait blocks until every element is done and returns the responses in
// completion order. It returns nil when the batch held only notifications.
func (c *Collector) Wait() []*message.Message {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return nil
	}
	return c.responses
}
