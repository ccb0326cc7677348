// Command calculator serves a small calculator over JSON-RPC and, with
// -demo, calls it through a discovering client.
//
//	go run ./example/calculator -config rpc.yaml
//	go run ./example/calculator -demo
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/gnuflag"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"mini-jsonrpc/client"
	"mini-jsonrpc/config"
	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/endpoint"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// Arith is served as "Arith.Add" and "Arith.Divide".
type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Divide(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return message.NewError(-32001, "division by zero", nil)
	}
	reply.Result = args.A / args.B
	return nil
}

func main() {
	flags := gnuflag.NewFlagSet("calculator", gnuflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML configuration file")
	demo := flags.Bool("demo", false, "call the server a few times, then exit")
	flags.Parse(true, os.Args[1:])

	if err := run(*configPath, *demo); err != nil {
		fmt.Fprintln(os.Stderr, "calculator:", err)
		os.Exit(1)
	}
}

func run(configPath string, demo bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if demo && configPath == "" {
		cfg.Server.Listen = "127.0.0.1:0"
	}

	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	reg, err := cfg.NewRegistry(logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	svr, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	advertise := cfg.Server.Advertise
	if advertise == "" {
		advertise = ln.Addr().String()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.ServeListener(ln, advertise, reg)
	}()

	if demo {
		bal, err := cfg.Balancer()
		if err != nil {
			return err
		}
		// Answers the server's callback during Arith.Hello
		callbacks := dispatch.NewRouter()
		callbacks.Register("client.name", dispatch.NoParams(func(ctx context.Context) (string, error) {
			return "calculator demo", nil
		}))
		opts := append(cfg.ClientOptions(logger), client.WithEndpointOptions(endpoint.WithRouter(callbacks)))
		cli := client.NewClient(reg, bal, opts...)
		defer cli.Close()
		if err := callDemo(cli); err != nil {
			return err
		}
		return svr.Shutdown(cfg.Server.ShutdownTimeout)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
		logger.Info("shutting down server")
	}
	return svr.Shutdown(cfg.Server.ShutdownTimeout)
}

func newServer(cfg *config.Config, logger logging.Logger) (*server.Server, error) {
	opts, err := cfg.ServerOptions(logger)
	if err != nil {
		return nil, err
	}
	svr := server.NewServer(opts...)

	metrics, err := middleware.MetricsMiddleware(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	svr.Use(
		middleware.RecoveryMiddleware(),
		middleware.LoggingMiddleware(logger),
		metrics,
		middleware.RateLimitMiddleware(1000, 100),
		middleware.TracingMiddleware(otel.GetTracerProvider()),
		middleware.TimeOutMiddleware(5*time.Second),
	)

	if err := svr.RegisterService(&Arith{}); err != nil {
		return nil, err
	}
	// Arith.Hello asks the caller for its name before answering.
	err = svr.Register("Arith.Hello", dispatch.NoParams(func(ctx context.Context) (string, error) {
		peer, ok := endpoint.FromContext(ctx)
		if !ok {
			return "hello", nil
		}
		var name string
		if err := peer.Call(ctx, "client.name", nil, &name); err != nil {
			return "hello", nil
		}
		return "hello " + name, nil
	}))
	return svr, err
}

func callDemo(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply Reply
	if err := cli.Call(ctx, "Arith.Add", &Args{A: 3, B: 5}, &reply); err != nil {
		return err
	}
	fmt.Println("Arith.Add(3, 5) =", reply.Result)

	if err := cli.Call(ctx, "Arith.Divide", &Args{A: 1, B: 0}, &reply); err != nil {
		var rpcErr *message.Error
		if !errors.As(err, &rpcErr) {
			return err
		}
		fmt.Printf("Arith.Divide(1, 0) failed: %d %s\n", rpcErr.Code, rpcErr.Message)
	}

	var greeting string
	if err := cli.Call(ctx, "Arith.Hello", nil, &greeting); err != nil {
		return err
	}
	fmt.Println("Arith.Hello =", greeting)
	return nil
}
