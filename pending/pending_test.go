package pending

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mini-jsonrpc/message"
)

func response(id int64, result string) *message.Message {
	return &message.Message{Version: message.Version, ID: message.NumberID(id), Result: json.RawMessage(result)}
}

func TestRegisterResolve(t *testing.T) {
	tbl := New()
	c, err := tbl.Register(message.NumberID(1))
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expect 1 outstanding call, got %d", tbl.Len())
	}

	if err := tbl.Resolve(response(1, "5")); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	msg, err := c.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Result) != "5" {
		t.Fatalf("expect 5, got %s", msg.Result)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expect empty table, got %d", tbl.Len())
	}
}

func TestDuplicateRegister(t *testing.T) {
	tbl := New()
	if _, err := tbl.Register(message.StringID("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Register(message.StringID("a")); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expect ErrDuplicateID, got %v", err)
	}
	if _, err := tbl.Register(message.NullID()); err == nil {
		t.Fatal("expect error for null id")
	}
}

func TestDuplicateAndOrphanResponses(t *testing.T) {
	tbl := New()
	if _, err := tbl.Register(message.NumberID(1)); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Resolve(response(1, "1")); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Resolve(response(1, "2")); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("expect ErrUnknownID for duplicate response, got %v", err)
	}
	if err := tbl.Resolve(response(99, "2")); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("expect ErrUnknownID for orphan response, got %v", err)
	}
}

func TestWaitTimeoutTombstone(t *testing.T) {
	tbl := New()
	c, err := tbl.Register(message.NumberID(3))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", err)
	}

	if err := tbl.Resolve(response(3, "1")); !errors.Is(err, ErrLateResponse) {
		t.Fatalf("expect ErrLateResponse, got %v", err)
	}
	if _, err := tbl.Register(message.NumberID(3)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("abandoned ids must not be reused, got %v", err)
	}
}

func TestWaitCancelled(t *testing.T) {
	tbl := New()
	c, _ := tbl.Register(message.NumberID(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
}

func TestCancelAll(t *testing.T) {
	tbl := New()
	closed := errors.New("connection closed")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		c, err := tbl.Register(message.NumberID(int64(i + 1)))
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Wait(context.Background())
		}(i)
	}

	if n := tbl.CancelAll(closed); n != 2 {
		t.Fatalf("expect 2 released waiters, got %d", n)
	}
	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, closed) {
			t.Fatalf("waiter %d: expect closed error, got %v", i, err)
		}
	}

	if n := tbl.CancelAll(errors.New("again")); n != 0 {
		t.Fatalf("second CancelAll must be a no-op, released %d", n)
	}
	if _, err := tbl.Register(message.NumberID(10)); !errors.Is(err, closed) {
		t.Fatalf("expect registration to fail with first reason, got %v", err)
	}
}

func TestFailAll(t *testing.T) {
	tbl := New()
	c, _ := tbl.Register(message.NumberID(1))
	resp := message.NewErrorResponse(message.NullID(), message.ErrParse())
	if n := tbl.FailAll(resp); n != 1 {
		t.Fatalf("expect 1 released waiter, got %d", n)
	}
	msg, err := c.Wait(context.Background())
	if err != nil || msg.Error.Code != message.CodeParseError {
		t.Fatalf("expect parse error response, got %+v (%v)", msg, err)
	}
	if _, err := tbl.Register(message.NumberID(2)); err != nil {
		t.Fatalf("table must stay open, got %v", err)
	}
}

func TestResolveRacesWithCancel(t *testing.T) {
	tbl := New()
	for i := int64(0); i < 200; i++ {
		c, err := tbl.Register(message.NumberID(i))
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func(id int64) { _ = tbl.Resolve(response(id, "1")) }(i)
		go cancel()

		msg, err := c.Wait(ctx)
		if (msg == nil) == (err == nil) {
			t.Fatalf("id %d: expect exactly one of result or error, got %v / %v", i, msg, err)
		}
		cancel()
	}
}
