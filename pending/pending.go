// Package pending tracks outbound calls that are waiting for a response.
//
// Each call registers its id before the request bytes are written, so a
// response can never arrive for an id the table does not know yet:
//
//	Call(id=7) ──Register(7)──→ write frame ──→ Wait
//	recvLoop:  ←── response(id=7) → Resolve → waiter wakes up
//
// Ids whose caller gave up (timeout, cancellation) are remembered as
// tombstones, so a response that shows up later is dropped quietly instead of
// being reported as an orphan.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mini-jsonrpc/message"
)

var (
	// ErrDuplicateID is returned by Register when the id is outstanding or was
	// recently abandoned.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrUnknownID is returned by Resolve for a response matching no call.
	ErrUnknownID = errors.New("response for unknown id")
	// ErrLateResponse is returned by Resolve for a response to an abandoned call.
	ErrLateResponse = errors.New("late response for abandoned call")
	// ErrTimeout is returned by Wait when the context deadline expires first.
	ErrTimeout error = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string { return "call timed out" }

// Timeout marks the error as transient for retry logic.
func (timeoutError) Timeout() bool { return true }

// maxTombstones caps how many abandoned ids are remembered.
const maxTombstones = 4096

type outcome struct {
	msg *message.Message
	err error
}

// Call is one outstanding request. Its outcome is delivered exactly once.
type Call struct {
	ID      message.ID
	Created time.Time

	table *Table
	done  chan outcome // buffered, written once under the table lock
}

// Wait blocks until the response arrives, the table is closed or ctx is done.
// When ctx ends first, the id is abandoned and a later response is discarded.
func (c *Call) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case o := <-c.done:
		return o.msg, o.err
	case <-ctx.Done():
		if !c.table.CancelOne(c.ID) {
			// Resolved concurrently: the outcome is already buffered.
			o := <-c.done
			return o.msg, o.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrTimeout, "id %s after %s", c.ID, time.Since(c.Created).Round(time.Millisecond))
		}
		return nil, ctx.Err()
	}
}

// Table maps ids to outstanding calls.
type Table struct {
	mu         sync.Mutex
	calls      map[message.ID]*Call
	tombstones map[message.ID]struct{}
	order      []message.ID
	closedErr  error
}

func New() *Table {
	return &Table{
		calls:      make(map[message.ID]*Call),
		tombstones: make(map[message.ID]struct{}),
	}
}

// Register inserts a waiter for id. It fails with ErrDuplicateID if the id is
// in use and with the shutdown reason once CancelAll has run.
func (t *Table) Register(id message.ID) (*Call, error) {
	if !id.IsSet() || id.IsNull() {
		return nil, errors.Errorf("cannot register id %s", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closedErr != nil {
		return nil, t.closedErr
	}
	if _, ok := t.calls[id]; ok {
		return nil, errors.Wrapf(ErrDuplicateID, "id %s", id)
	}
	if _, ok := t.tombstones[id]; ok {
		return nil, errors.Wrapf(ErrDuplicateID, "id %s was abandoned", id)
	}

	c := &Call{ID: id, Created: time.Now(), table: t, done: make(chan outcome, 1)}
	t.calls[id] = c
	return c, nil
}

// Resolve delivers a response to its waiter. It returns ErrLateResponse when the
// caller already gave up and ErrUnknownID when nothing was waiting, which also
// covers a second response for the same id.
func (t *Table) Resolve(resp *message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[resp.ID]
	if !ok {
		if _, late := t.tombstones[resp.ID]; late {
			return errors.Wrapf(ErrLateResponse, "id %s", resp.ID)
		}
		return errors.Wrapf(ErrUnknownID, "id %s", resp.ID)
	}
	delete(t.calls, resp.ID)
	c.done <- outcome{msg: resp}
	return nil
}

// CancelOne withdraws interest in id. It reports false if the call had already
// been resolved or was never registered.
func (t *Table) CancelOne(id message.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.calls[id]; !ok {
		return false
	}
	delete(t.calls, id)
	t.bury(id)
	return true
}

// Forget drops an outstanding call without leaving a tombstone. It is used when
// the request never reached the transport.
func (t *Table) Forget(id message.ID) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// CancelAll fails every outstanding call with reason and closes the table:
// later registrations fail with the same reason. Only the first call has an
// effect; it returns the number of waiters it released.
func (t *Table) CancelAll(reason error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closedErr != nil {
		return 0
	}
	t.closedErr = reason

	n := len(t.calls)
	for id, c := range t.calls {
		c.done <- outcome{err: reason}
		delete(t.calls, id)
	}
	return n
}

// FailAll delivers resp to every outstanding call without closing the table.
// It is used when the peer reports an error that cannot be correlated.
func (t *Table) FailAll(resp *message.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.calls)
	for id, c := range t.calls {
		c.done <- outcome{msg: resp}
		delete(t.calls, id)
	}
	return n
}

// Len returns the number of outstanding calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Table) bury(id message.ID) {
	if len(t.order) >= maxTombstones {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.tombstones, oldest)
	}
	t.tombstones[id] = struct{}{}
	t.order = append(t.order, id)
}
