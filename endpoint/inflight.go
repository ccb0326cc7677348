package endpoint

import (
	"context"
	"sync"
)

// inflight is the cancellation registry of inbound work. Every handler
// execution holds a token; shutdown enumerates the tokens to cancel them and
// then waits for their goroutines to return.
type inflight struct {
	mu      sync.Mutex
	next    uint64
	cancels map[uint64]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func newInflight() *inflight {
	return &inflight{cancels: make(map[uint64]context.CancelFunc)}
}

// acquire reserves a token with a context derived from parent. It fails once
// cancelAll has run. release must be called exactly once.
func (s *inflight) acquire(parent context.Context) (ctx context.Context, release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, false
	}
	s.next++
	token := s.next
	ctx, cancel := context.WithCancel(parent)
	s.cancels[token] = cancel
	s.wg.Add(1)

	release = func() {
		s.mu.Lock()
		delete(s.cancels, token)
		s.mu.Unlock()
		cancel()
		s.wg.Done()
	}
	return ctx, release, true
}

// cancelAll cancels every registered context and refuses new tokens. It
// returns how many were cancelled.
func (s *inflight) cancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	n := len(s.cancels)
	for _, cancel := range s.cancels {
		cancel()
	}
	return n
}

func (s *inflight) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// wait blocks until every token is released. Only valid after cancelAll.
func (s *inflight) wait() {
	s.wg.Wait()
}
