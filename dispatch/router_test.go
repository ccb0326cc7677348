package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return message.NewError(-32001, "division by zero", nil)
	}
	reply.Result = args.A / args.B
	return nil
}

// Not an RPC method: wrong signature.
func (a *Arith) Helper(x int) int { return x }

func request(id int64, method, params string) *message.Message {
	m := &message.Message{Version: message.Version, ID: message.NumberID(id), Method: method}
	if params != "" {
		m.Params = json.RawMessage(params)
	}
	return m
}

func notification(method, params string) *message.Message {
	m := request(0, method, params)
	m.ID = message.ID{}
	return m
}

func TestRouterTyped(t *testing.T) {
	r := NewRouter()
	if err := r.Register("add", Positional(func(ctx context.Context, p []int) (int, error) {
		return p[0] + p[1], nil
	})); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Handle(context.Background(), request(1, "add", "[2,3]"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != message.NumberID(1) || string(resp.Result) != "5" {
		t.Fatalf("expect result 5 for id 1, got %+v", resp)
	}

	resp, _ = r.Handle(context.Background(), request(2, "add", `{"a":1}`))
	if resp.Error == nil || resp.Error.Code != message.CodeInvalidParams {
		t.Fatalf("expect invalid params, got %+v", resp)
	}
}

func TestRouterMethodNotFound(t *testing.T) {
	r := NewRouter()
	resp, _ := r.Handle(context.Background(), request(1, "ghost", ""))
	if resp == nil || resp.Error == nil || resp.Error.Code != message.CodeMethodNotFound {
		t.Fatalf("expect method not found, got %+v", resp)
	}
	if resp.Error.Message != "Method not found: ghost" {
		t.Fatalf("unexpected message %q", resp.Error.Message)
	}

	if resp, err := r.Handle(context.Background(), notification("ghost", "")); resp != nil || err != nil {
		t.Fatalf("unknown notification must be dropped, got %+v (%v)", resp, err)
	}
}

func TestRouterNotificationNeverResponds(t *testing.T) {
	r := NewRouter()
	_ = r.Register("log", func(ctx context.Context, req *message.Message) (any, error) {
		return nil, errors.New("disk full")
	})
	_ = r.Register("crash", func(ctx context.Context, req *message.Message) (any, error) {
		panic("bad")
	})

	resp, err := r.Handle(context.Background(), notification("log", `{"msg":"hi"}`))
	if resp != nil {
		t.Fatalf("notification produced a response: %+v", resp)
	}
	if err == nil {
		t.Fatal("handler failure must still be reported for logging")
	}
	if resp, _ := r.Handle(context.Background(), notification("crash", "")); resp != nil {
		t.Fatalf("panicking notification produced a response: %+v", resp)
	}
}

func TestRouterInternalError(t *testing.T) {
	r := NewRouter()
	_ = r.Register("fail", func(ctx context.Context, req *message.Message) (any, error) {
		return nil, errors.New("database is gone")
	})
	_ = r.Register("crash", func(ctx context.Context, req *message.Message) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})

	resp, _ := r.Handle(context.Background(), request(1, "fail", ""))
	if resp.Error == nil || resp.Error.Code != message.CodeInternalError || resp.Error.Message != "Internal error: database is gone" {
		t.Fatalf("expect internal error, got %+v", resp.Error)
	}

	resp, _ = r.Handle(context.Background(), request(2, "crash", ""))
	if resp.Error == nil || resp.Error.Code != message.CodeInternalError {
		t.Fatalf("expect internal error for panic, got %+v", resp)
	}
	if resp.ID != message.NumberID(2) {
		t.Fatalf("response must echo id, got %s", resp.ID)
	}
}

func TestRouterApplicationError(t *testing.T) {
	r := NewRouter()
	if err := r.RegisterService(&Arith{}); err != nil {
		t.Fatal(err)
	}

	resp, _ := r.Handle(context.Background(), request(1, "Arith.Div", `{"A":1,"B":0}`))
	if resp.Error == nil || resp.Error.Code != -32001 || resp.Error.Message != "division by zero" {
		t.Fatalf("expect application error, got %+v", resp.Error)
	}
}

func TestRegisterService(t *testing.T) {
	r := NewRouter()
	if err := r.RegisterService(&Arith{}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(r.Methods(), ","); got != "Arith.Add,Arith.Div" {
		t.Fatalf("unexpected methods %s", got)
	}
	if got := r.Services(); len(got) != 1 || got[0] != "Arith" {
		t.Fatalf("unexpected services %v", got)
	}

	for _, params := range []string{`{"A":2,"B":3}`, `[{"A":2,"B":3}]`} {
		resp, err := r.Handle(context.Background(), request(1, "Arith.Add", params))
		if err != nil {
			t.Fatal(err)
		}
		var reply Reply
		if err := json.Unmarshal(resp.Result, &reply); err != nil || reply.Result != 5 {
			t.Fatalf("params %s: expect 5, got %s", params, resp.Result)
		}
	}

	if err := r.RegisterService(Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
}

func TestRegisterReserved(t *testing.T) {
	r := NewRouter()
	h := func(ctx context.Context, req *message.Message) (any, error) { return nil, nil }
	if err := r.Register("rpc.discover", h); err == nil {
		t.Fatal("rpc. prefix must be reserved")
	}
	if err := r.Register("", h); err == nil {
		t.Fatal("empty method must be rejected")
	}
}

func TestRouterMiddleware(t *testing.T) {
	r := NewRouter()
	var seen []string
	r.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Message) (any, error) {
			seen = append(seen, req.Method)
			return next(ctx, req)
		}
	})
	_ = r.Register("ping", NoParams(func(ctx context.Context) (string, error) { return "pong", nil }))

	resp, _ := r.Handle(context.Background(), request(1, "ping", "[]"))
	if string(resp.Result) != `"pong"` {
		t.Fatalf("expect pong, got %s", resp.Result)
	}
	resp, _ = r.Handle(context.Background(), request(2, "ping", "[1]"))
	if resp.Error == nil || resp.Error.Code != message.CodeInvalidParams {
		t.Fatalf("expect invalid params, got %+v", resp)
	}
	if len(seen) != 2 {
		t.Fatalf("middleware must see every call, saw %v", seen)
	}
}

func TestRouterCancelledHandler(t *testing.T) {
	r := NewRouter()
	_ = r.Register("wait", func(ctx context.Context, req *message.Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, _ := r.Handle(ctx, request(1, "wait", ""))
	if resp.Error == nil || resp.Error.Code != message.CodeRequestCancelled {
		t.Fatalf("expect cancelled error, got %+v", resp)
	}
}

func TestNamedRejectsArray(t *testing.T) {
	h := Named(func(ctx context.Context, p Args) (int, error) { return p.A, nil })
	if _, err := h(context.Background(), request(1, "x", "[1,2]")); middleware.ErrorCode(err) != message.CodeInvalidParams {
		t.Fatalf("expect invalid params, got %v", err)
	}
	v, err := h(context.Background(), request(1, "x", `{"A":7}`))
	if err != nil || v != 7 {
		t.Fatalf("expect 7, got %v (%v)", v, err)
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector(3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		c.Add()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 1 {
				c.Done(nil)
				return
			}
			resp, _ := message.NewResponse(message.NumberID(int64(i)), i)
			c.Done(resp)
		}(i)
	}
	got := c.Wait()
	wg.Wait()
	if len(got) != 2 {
		t.Fatalf("expect 2 responses, got %d", len(got))
	}

	empty := NewCollector(1)
	empty.Add()
	empty.Done(nil)
	if empty.Wait() != nil {
		t.Fatal("notification-only batch must produce no responses")
	}
}
