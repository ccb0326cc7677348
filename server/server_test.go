package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/endpoint"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
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

// startServer serves svr on a loopback port and returns its address.
func startServer(t *testing.T, svr *Server, reg registry.Registry) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	errCh := make(chan error, 1)
	go func() { errCh <- svr.ServeListener(ln, addr, reg) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		if err := <-errCh; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return addr
}

func dial(t *testing.T, addr string, opt ...endpoint.Option) *endpoint.Endpoint {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, "tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := endpoint.New(conn, append([]endpoint.Option{endpoint.WithLogger(logging.Nop())}, opt...)...)
	if err != nil {
		t.Fatal(err)
	}
	if err := ep.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestServer(t *testing.T) {
	svr := NewServer(WithLogger(logging.Nop()))
	if err := svr.RegisterService(&Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	addr := startServer(t, svr, nil)

	cli := dial(t, addr)
	var reply Reply
	if err := cli.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %d", reply.Result)
	}

	err := cli.Call(context.Background(), "Arith.Mul", &Args{A: 1, B: 2}, nil)
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != message.CodeMethodNotFound {
		t.Fatalf("expect method not found, got %v", err)
	}
}

func TestServerManyConnections(t *testing.T) {
	svr := NewServer(WithLogger(logging.Nop()))
	svr.RegisterService(&Arith{})
	addr := startServer(t, svr, nil)

	for i := 0; i < 5; i++ {
		cli := dial(t, addr)
		var reply Reply
		if err := cli.Call(context.Background(), "Arith.Add", []Args{{A: i, B: i}}, &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Result != 2*i {
			t.Fatalf("expect %d, got %d", 2*i, reply.Result)
		}
	}
	if n := svr.Connections(); n != 5 {
		t.Fatalf("expect 5 connections, got %d", n)
	}
}

func TestServerAdvertise(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(
		WithLogger(logging.Nop()),
		WithServiceName("calc"),
		WithRegistration(5, 3, "1.2"),
		WithWireFormat("json", "stream"),
	)
	svr.RegisterService(&Arith{})
	addr := startServer(t, svr, reg)

	var instances []registry.ServiceInstance
	deadline := time.Now().Add(2 * time.Second)
	for {
		var err error
		instances, err = reg.Discover(context.Background(), "Arith")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never advertised: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(instances) != 1 || instances[0].Addr != addr || instances[0].Weight != 3 || instances[0].Framing != "stream" {
		t.Fatalf("unexpected instances %+v", instances)
	}
	if _, err := reg.Discover(context.Background(), "calc"); err != nil {
		t.Fatalf("expect calc advertised: %v", err)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Discover(context.Background(), "Arith"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expect ErrNotFound after shutdown, got %v", err)
	}
}

// 服务端通过 FromContext 回调客户端
func TestServerCallsBack(t *testing.T) {
	svr := NewServer(WithLogger(logging.Nop()))
	svr.Register("greet", dispatch.Positional(func(ctx context.Context, params []string) (string, error) {
		peer, ok := endpoint.FromContext(ctx)
		if !ok {
			return "", errors.New("no endpoint in context")
		}
		var title string
		if err := peer.Call(ctx, "client.title", nil, &title); err != nil {
			return "", err
		}
		return "hello " + title + " " + params[0], nil
	}))
	addr := startServer(t, svr, nil)

	cli := dial(t, addr)
	cli.RegisterHandler("client.title", dispatch.NoParams(func(ctx context.Context) (string, error) {
		return "dr.", nil
	}))

	var got string
	if err := cli.Call(context.Background(), "greet", []string{"who"}, &got); err != nil {
		t.Fatal(err)
	}
	if got != "hello dr. who" {
		t.Fatalf("unexpected greeting %q", got)
	}
}

func TestServerOnConnect(t *testing.T) {
	svr := NewServer(WithLogger(logging.Nop()))
	svr.OnConnect(func(ep *endpoint.Endpoint) {
		ep.Notify(context.Background(), "welcome", map[string]string{"motd": "hi"})
	})
	addr := startServer(t, svr, nil)

	got := make(chan string, 1)
	dial(t, addr, endpoint.WithRouter(func() *dispatch.Router {
		r := dispatch.NewRouter()
		r.Register("welcome", dispatch.Notification(func(ctx context.Context, p map[string]string) error {
			got <- p["motd"]
			return nil
		}))
		return r
	}()))

	select {
	case motd := <-got:
		if motd != "hi" {
			t.Fatalf("expect hi, got %q", motd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("welcome notification never arrived")
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	svr := NewServer(WithLogger(logging.Nop()))
	started := make(chan struct{})
	svr.Register("slow", dispatch.NoParams(func(ctx context.Context) (string, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return "done", nil
	}))
	addr := startServer(t, svr, nil)
	cli := dial(t, addr)

	result := make(chan error, 1)
	go func() {
		var s string
		err := cli.Call(context.Background(), "slow", nil, &s)
		if err == nil && s != "done" {
			err = errors.New("unexpected result " + s)
		}
		result <- err
	}()

	<-started
	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-result; err != nil {
		t.Fatalf("in-flight call failed: %v", err)
	}
}

func TestShutdownTimeout(t *testing.T) {
	svr := NewServer(WithLogger(logging.Nop()))
	started := make(chan struct{})
	svr.Register("stuck", dispatch.NoParams(func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}))
	addr := startServer(t, svr, nil)
	cli := dial(t, addr)

	result := make(chan error, 1)
	go func() { result <- cli.Call(context.Background(), "stuck", nil, nil) }()

	<-started
	if err := svr.Shutdown(100 * time.Millisecond); err == nil {
		t.Fatal("expect timeout error")
	}
	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expect the stuck call to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stuck call never failed")
	}
}

func TestShutdownIgnoredContext(t *testing.T) {
	svr := NewServer(WithLogger(logging.Nop()))
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	svr.Register("deaf", dispatch.NoParams(func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "late", nil
	}))
	addr := startServer(t, svr, nil)
	cli := dial(t, addr)

	go cli.Call(context.Background(), "deaf", nil, nil)
	<-started

	result := make(chan error, 1)
	begin := time.Now()
	go func() { result <- svr.Shutdown(100 * time.Millisecond) }()
	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expect timeout error")
		}
		if elapsed := time.Since(begin); elapsed > time.Second {
			t.Fatalf("shutdown took %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked on a handler that ignores its context")
	}
}
