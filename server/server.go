// Package server accepts JSON-RPC connections and serves them with a shared
// router, with service advertisement and graceful shutdown.
//
// Connection handling:
//
//	Accept conn → endpoint.New (one Endpoint per connection, shared Router)
//	  → Endpoint recvLoop reads frames
//	    → each request runs on its own goroutine: Middleware Chain → handler → response
//
// Every connection is a full peer: handlers can call back the client through
// endpoint.FromContext.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/endpoint"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/registry"
)

// closeGrace is how long Shutdown waits for connections to close once the
// drain deadline has already passed.
const closeGrace = 50 * time.Millisecond

// Server owns a router and the endpoints of all accepted connections.
type Server struct {
	router *dispatch.Router
	opts   options
	logger logging.Logger

	mu            sync.Mutex
	listener      net.Listener                    // TCP listener
	endpoints     map[*endpoint.Endpoint]struct{} // Live connections
	onConnect     func(*endpoint.Endpoint)
	registry      registry.Registry // Service registry (etcd), nil if not using discovery
	advertiseAddr string            // Address registered in the registry (e.g., "127.0.0.1:8080")
	// Different from listen address (":8080") because the registry needs a routable IP
	advertised []string

	wg       sync.WaitGroup // Tracks connections for graceful shutdown
	shutdown atomic.Bool    // Set to true during shutdown to suppress Accept errors
}

func NewServer(opt ...Option) *Server {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Server{
		router:    dispatch.NewRouter(),
		opts:      opts,
		logger:    opts.logger,
		endpoints: make(map[*endpoint.Endpoint]struct{}),
	}
}

func (svr *Server) Router() *dispatch.Router {
	return svr.router
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw ...middleware.Middleware) {
	svr.router.Use(mw...)
}

// Register binds a single method.
func (svr *Server) Register(method string, h middleware.HandlerFunc) error {
	return svr.router.Register(method, h)
}

// RegisterService registers a service receiver (e.g., &Arith{}). Its exported
// methods with an RPC signature are served as "Arith.Method".
func (svr *Server) RegisterService(rcvr any) error {
	return svr.router.RegisterService(rcvr)
}

// OnConnect is called with the endpoint of every accepted connection once it
// is running, e.g. to call or notify the client.
func (svr *Server) OnConnect(fn func(*endpoint.Endpoint)) {
	svr.mu.Lock()
	svr.onConnect = fn
	svr.mu.Unlock()
}

// Serve listens on the address, optionally advertises the services in reg,
// and enters the Accept loop to handle incoming connections.
//
// Parameters:
//   - advertiseAddr: the address to register (e.g., "127.0.0.1:8080").
//     This differs from the listen address because ":8080" resolves to "[::]:8080" locally.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen %s %s", network, address)
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		listener.Close()
		return nil
	}
	svr.listener = listener
	svr.registry = reg
	svr.advertiseAddr = advertiseAddr
	svr.mu.Unlock()

	if reg != nil {
		if err := svr.advertise(); err != nil {
			listener.Close()
			return err
		}
	}

	svr.logger.Info("server listening", "addr", listener.Addr().String(), "methods", len(svr.router.Methods()))

	// Accept loop: one endpoint per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		svr.wg.Add(1)
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// advertise registers every service name with the registry.
func (svr *Server) advertise() error {
	names := append(svr.router.Services(), svr.opts.names...)
	instance := registry.ServiceInstance{
		Addr:    svr.advertiseAddr,
		Weight:  svr.opts.weight,
		Version: svr.opts.version,
		Codec:   svr.opts.codec,
		Framing: svr.opts.framing,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range names {
		if err := svr.registry.Register(ctx, name, instance, svr.opts.ttl); err != nil {
			return errors.Wrapf(err, "advertise %s", name)
		}
		svr.mu.Lock()
		svr.advertised = append(svr.advertised, name)
		svr.mu.Unlock()
	}
	return nil
}

// handleConn serves one connection until either side closes it.
func (svr *Server) handleConn(conn net.Conn) {
	defer svr.wg.Done()

	opts := make([]endpoint.Option, 0, len(svr.opts.endpointOpts)+2)
	opts = append(opts, endpoint.WithLogger(svr.logger))
	opts = append(opts, svr.opts.endpointOpts...)
	opts = append(opts, endpoint.WithRouter(svr.router))

	ep, err := endpoint.New(conn, opts...)
	if err != nil {
		svr.logger.Error("create endpoint", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		ep.Close()
		return
	}
	svr.endpoints[ep] = struct{}{}
	onConnect := svr.onConnect
	svr.mu.Unlock()

	if err := ep.Start(); err != nil {
		svr.logger.Error("start endpoint", "remote", conn.RemoteAddr().String(), "error", err)
	} else {
		svr.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())
		if onConnect != nil {
			onConnect(ep)
		}
	}

	<-ep.Done()

	svr.mu.Lock()
	delete(svr.endpoints, ep)
	svr.mu.Unlock()
	svr.logger.Debug("connection closed", "remote", conn.RemoteAddr().String(), "error", ep.Err())
}

// Connections returns the number of live connections.
func (svr *Server) Connections() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.endpoints)
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close every connection and wait for it to wind down, bounded by the
//     same deadline (plus closeGrace when the drain used it up)
func (svr *Server) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	svr.mu.Lock()
	reg, names, addr := svr.registry, svr.advertised, svr.advertiseAddr
	svr.advertised = nil
	svr.mu.Unlock()

	// Step 1: Deregister FIRST so clients stop sending new requests
	if reg != nil {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		for _, name := range names {
			if err := reg.Deregister(ctx, name, addr); err != nil {
				svr.logger.Warn("deregister", "service", name, "error", err)
			}
		}
		cancel()
	}

	// Step 2: Set shutdown flag BEFORE closing listener
	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	// Step 3: Let in-flight requests finish
	drained := svr.drain(deadline)

	// Step 4: Close connections; leftover handlers see their context cancelled.
	// A handler that ignores its context must not hold Shutdown past the deadline.
	svr.mu.Lock()
	eps := make([]*endpoint.Endpoint, 0, len(svr.endpoints))
	for ep := range svr.endpoints {
		eps = append(eps, ep)
	}
	svr.mu.Unlock()
	closed := make(chan struct{})
	go func() {
		for _, ep := range eps {
			go ep.Close()
		}
		svr.wg.Wait()
		close(closed)
	}()

	wait := time.Until(deadline)
	if wait < closeGrace {
		wait = closeGrace
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-closed:
	case <-timer.C:
		svr.logger.Warn("connections still open after shutdown timeout", "connections", svr.Connections())
		return errors.New("timeout waiting for connections to close")
	}

	if !drained {
		return errors.New("timeout waiting for ongoing requests to finish")
	}
	svr.logger.Info("server stopped")
	return nil
}

// drain waits until no endpoint is serving a request, or the deadline passes.
func (svr *Server) drain(deadline time.Time) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		busy := 0
		svr.mu.Lock()
		for ep := range svr.endpoints {
			busy += ep.Inflight()
		}
		svr.mu.Unlock()
		if busy == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
