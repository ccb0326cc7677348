// Package endpoint implements one side of a bidirectional JSON-RPC connection.
//
// An Endpoint both issues calls and serves them over the same stream:
//
//	goroutine-1 ──Call(id=1)──┐                      ┌──→ pending[1] → goroutine-1
//	goroutine-2 ──Call(id=2)──┼──→ single conn ──→ recvLoop ──→ pending[2] → goroutine-2
//	goroutine-3 ──Notify──────┘                      └──→ request → handler goroutine → response
//
// A single goroutine reads frames, because frame boundaries are only defined
// by reading the stream in order. Responses are matched against the pending
// table without blocking; requests are handed to their own goroutine, so a
// handler that itself calls the peer never stalls the reader.
//
// Lifecycle: Created → Running → Closing → Closed. Calls are only accepted
// while Running; callers waiting when the connection goes away receive
// ErrClosed.
package endpoint

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/pending"
	"mini-jsonrpc/protocol"
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is bound to one connection for its whole life.
type Endpoint struct {
	conn   io.ReadWriteCloser
	opts   options
	logger logging.Logger
	codec  codec.Codec
	reader protocol.Reader
	writer protocol.Writer

	sending sync.Mutex // Serializes frames on the wire
	idMu    sync.Mutex // Keeps the ids of one batch contiguous

	calls    *pending.Table
	router   *dispatch.Router
	handlers *inflight
	sem      *semaphore.Weighted

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once

	errMu sync.Mutex
	err   error
}

type ctxKey struct{}

// FromContext returns the endpoint serving the request a handler was called
// for, so the handler can call back the peer over the same connection.
func FromContext(ctx context.Context) (*Endpoint, bool) {
	e, ok := ctx.Value(ctxKey{}).(*Endpoint)
	return e, ok
}

// New binds an endpoint to conn. The endpoint does not read until Start.
func New(conn io.ReadWriteCloser, opt ...Option) (*Endpoint, error) {
	if conn == nil {
		return nil, ErrInvalidConn
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	codecType := byte(opts.codec.Type())
	e := &Endpoint{
		conn:     conn,
		opts:     opts,
		logger:   opts.logger,
		codec:    opts.codec,
		reader:   protocol.NewReader(opts.framing, conn, codecType, opts.maxMessageSize),
		writer:   protocol.NewWriter(opts.framing, conn, codecType),
		calls:    pending.New(),
		router:   opts.router,
		handlers: newInflight(),
		done:     make(chan struct{}),
	}
	if opts.maxConcurrentHandlers > 0 {
		e.sem = semaphore.NewWeighted(int64(opts.maxConcurrentHandlers))
	}
	e.ctx, e.cancel = context.WithCancel(context.WithValue(context.Background(), ctxKey{}, e))
	return e, nil
}

// RegisterHandler binds method to h on the endpoint's router. Requests that
// arrive before the binding are answered with MethodNotFound.
func (e *Endpoint) RegisterHandler(method string, h middleware.HandlerFunc) error {
	return e.router.Register(method, h)
}

// Use adds middlewares to the endpoint's router.
func (e *Endpoint) Use(mw ...middleware.Middleware) {
	e.router.Use(mw...)
}

func (e *Endpoint) Router() *dispatch.Router {
	return e.router
}

func (e *Endpoint) State() State {
	return State(e.state.Load())
}

// Done is closed once the endpoint is fully closed: the connection is
// released and every handler has returned.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Err returns the transport failure that closed the endpoint, or nil if it
// is running or was closed with Close.
func (e *Endpoint) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Pending returns the number of outbound calls waiting for a response.
func (e *Endpoint) Pending() int {
	return e.calls.Len()
}

// Inflight returns the number of inbound requests being served.
func (e *Endpoint) Inflight() int {
	return e.handlers.len()
}

// Start begins the receive loop (and the keep-alive loop, if configured).
func (e *Endpoint) Start() error {
	if !e.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if e.State() == StateRunning {
			return errors.New("endpoint already started")
		}
		return ErrClosed
	}

	group, ctx := errgroup.WithContext(e.ctx)
	group.Go(e.recvLoop)
	if e.opts.keepAlive > 0 {
		group.Go(func() error {
			return e.keepAliveLoop(ctx)
		})
	}

	e.logger.Info("endpoint started",
		"codec", e.codec.Type().String(),
		"framing", e.opts.framing.String())
	e.logger.Debug("endpoint options",
		"default_timeout", e.opts.defaultTimeout,
		"max_concurrent_handlers", e.opts.maxConcurrentHandlers,
		"max_message_size", e.opts.maxMessageSize,
		"keep_alive", e.opts.keepAlive)

	go func() {
		err := group.Wait()
		e.stop(err)
		e.handlers.wait()
		e.finish()
	}()
	return nil
}

// Close shuts the endpoint down: new calls are refused, outstanding calls
// fail with ErrClosed, the connection is closed and handler contexts are
// cancelled. It waits for running handlers to return, so a handler must not
// call Close on its own endpoint synchronously. Safe to call multiple times.
func (e *Endpoint) Close() error {
	if e.state.CompareAndSwap(int32(StateCreated), int32(StateClosed)) {
		e.stop(nil)
		e.finish()
		return nil
	}
	e.stop(nil)
	<-e.done
	return nil
}

// stop runs the shutdown sequence once. cause is the transport failure, if any.
func (e *Endpoint) stop(cause error) {
	e.stopOnce.Do(func() {
		if e.State() != StateClosed {
			e.state.Store(int32(StateClosing))
		}
		if cause != nil {
			e.errMu.Lock()
			e.err = cause
			e.errMu.Unlock()
		}

		failed := e.calls.CancelAll(ErrClosed)
		// The connection goes first: handlers woken by cancellation must
		// not reach the wire any more.
		if err := e.conn.Close(); err != nil {
			e.logger.Debug("close connection", "error", err)
		}
		cancelled := e.handlers.cancelAll()
		e.cancel()

		if cause != nil {
			e.logger.Info("endpoint closing with error", "error", cause,
				"failed_calls", failed, "cancelled_handlers", cancelled)
		} else {
			e.logger.Info("endpoint closing", "failed_calls", failed, "cancelled_handlers", cancelled)
		}
	})
}

func (e *Endpoint) finish() {
	e.doneOnce.Do(func() {
		e.state.Store(int32(StateClosed))
		close(e.done)
		e.logger.Debug("endpoint closed")
	})
}

func (e *Endpoint) checkRunning() error {
	switch e.State() {
	case StateRunning:
		return nil
	case StateCreated:
		return ErrNotStarted
	default:
		return ErrClosed
	}
}

func (e *Endpoint) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.opts.defaultTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.defaultTimeout)
}

// Call sends a request and waits for its response. The result is decoded
// into result unless it is nil. A remote failure is returned as
// *message.Error; a deadline as ErrTimeout; a lost connection as ErrClosed.
func (e *Endpoint) Call(ctx context.Context, method string, params, result any) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	ctx, cancel := e.withDefaultTimeout(ctx)
	defer cancel()

	e.idMu.Lock()
	id := e.opts.ids.Next()
	e.idMu.Unlock()

	req, err := message.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	// Register before writing: the response may arrive before Write returns.
	call, err := e.register(id)
	if err != nil {
		return err
	}
	if err := e.write(message.Single(req)); err != nil {
		e.calls.Forget(id)
		return err
	}

	resp, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil {
		return resp.UnmarshalResult(result)
	}
	return nil
}

// Notify sends a notification. Success means the frame was handed to the
// transport, not that the peer processed it.
func (e *Endpoint) Notify(ctx context.Context, method string, params any) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	return e.write(message.Single(n))
}

// Spec is one element of an outbound batch.
type Spec struct {
	Method string
	Params any
	Notify bool // send as a notification: no id, no response
}

// Batch sends specs as a single batch frame and waits for every response. The
// returned slice holds one response per call, in the order of specs, notifications
// omitted. If some calls could not complete (deadline, lost connection), their
// slot is nil and the first such error is returned with the partial result.
func (e *Endpoint) Batch(ctx context.Context, specs []Spec) ([]*message.Message, error) {
	if len(specs) == 0 {
		return nil, errors.New("empty batch")
	}
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	ctx, cancel := e.withDefaultTimeout(ctx)
	defer cancel()

	msgs := make([]*message.Message, 0, len(specs))
	var calls []*pending.Call
	forget := func() {
		for _, c := range calls {
			e.calls.Forget(c.ID)
		}
	}

	e.idMu.Lock()
	for _, s := range specs {
		if s.Notify {
			n, err := message.NewNotification(s.Method, s.Params)
			if err != nil {
				e.idMu.Unlock()
				forget()
				return nil, err
			}
			msgs = append(msgs, n)
			continue
		}

		id := e.opts.ids.Next()
		req, err := message.NewRequest(id, s.Method, s.Params)
		if err == nil {
			var c *pending.Call
			if c, err = e.register(id); err == nil {
				calls = append(calls, c)
				msgs = append(msgs, req)
			}
		}
		if err != nil {
			e.idMu.Unlock()
			forget()
			return nil, err
		}
	}
	e.idMu.Unlock()

	if err := e.write(message.NewBatch(msgs...)); err != nil {
		forget()
		return nil, err
	}

	out := make([]*message.Message, len(calls))
	var firstErr error
	for i, c := range calls {
		resp, err := c.Wait(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[i] = resp
	}
	return out, firstErr
}

func (e *Endpoint) register(id message.ID) (*pending.Call, error) {
	c, err := e.calls.Register(id)
	if errors.Is(err, pending.ErrDuplicateID) {
		e.anomaly(Anomaly{Kind: AnomalyDuplicateID, ID: id, Err: err})
	}
	return c, err
}

// write encodes p and emits it as one frame. A transport failure closes the
// endpoint.
func (e *Endpoint) write(p *message.Packet) error {
	body, err := e.codec.Encode(p)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	if len(body) > e.opts.maxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", len(body))
	}

	e.sending.Lock()
	err = e.writer.WriteFrame(body)
	e.sending.Unlock()
	if err == nil {
		return nil
	}

	if e.State() >= StateClosing {
		return ErrClosed
	}
	terr := &TransportError{Op: "write", Err: err}
	e.logger.Error("write failed", "error", err)
	e.stop(terr)
	return terr
}

// reply sends responses. Responses that cannot be encoded or exceed the size
// limit are replaced with InternalError so the caller is not left waiting.
func (e *Endpoint) reply(p *message.Packet) {
	err := e.write(p)
	if err == nil {
		return
	}
	var terr *TransportError
	if errors.As(err, &terr) || errors.Is(err, ErrClosed) {
		return
	}

	e.logger.Error("cannot send response", "error", err)
	fallback := make([]*message.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		fallback = append(fallback, message.NewErrorResponse(m.ID, message.ErrInternal(err.Error())))
	}
	_ = e.write(&message.Packet{Batch: p.Batch, Messages: fallback})
}

// replyAsync sends p from a tracked goroutine so the receive loop never
// blocks on a write.
func (e *Endpoint) replyAsync(p *message.Packet) {
	_, release, ok := e.handlers.acquire(e.ctx)
	if !ok {
		return
	}
	go func() {
		defer release()
		e.reply(p)
	}()
}

func (e *Endpoint) recvLoop() error {
	for {
		body, err := e.reader.ReadFrame()
		if err != nil {
			if e.State() >= StateClosing {
				return nil
			}
			if protocol.IsRecoverable(err) {
				e.logger.Warn("malformed frame", "error", err)
				e.replyAsync(message.Single(message.NewErrorResponse(message.NullID(),
					message.ErrInvalidRequest(err.Error()))))
				continue
			}
			if errors.Is(err, io.EOF) {
				e.logger.Info("peer closed connection")
			}
			terr := &TransportError{Op: "read", Err: err}
			e.stop(terr)
			return terr
		}
		e.handleFrame(body)
	}
}

func (e *Endpoint) handleFrame(body []byte) {
	pkt, err := e.codec.Decode(body)
	if err != nil {
		e.rejectFrame(body, err)
		return
	}
	if pkt.Batch {
		e.handleBatch(pkt.Messages)
		return
	}

	m := pkt.Messages[0]
	switch m.Kind() {
	case message.KindResponse, message.KindErrorResponse:
		e.deliver(m)
	case message.KindRequest, message.KindNotification:
		e.serve(m, func(resp *message.Message) {
			if resp != nil {
				e.reply(message.Single(resp))
			}
		})
	default:
		e.replyAsync(message.Single(invalidResponse(m)))
	}
}

func (e *Endpoint) rejectFrame(body []byte, err error) {
	id := message.NullID()
	rpcErr := message.ErrParse()
	if errors.Is(err, codec.ErrEmptyBatch) {
		rpcErr = message.ErrInvalidRequest("empty batch")
	} else if x, ok := e.codec.(codec.IDExtractor); ok {
		id = x.ExtractID(body)
	}
	e.logger.Warn("undecodable frame", "error", err, "id", id.String())
	e.replyAsync(message.Single(message.NewErrorResponse(id, rpcErr)))
}

// handleBatch routes every element of an inbound batch. Responses go to the
// pending table; requests are served concurrently and their responses leave
// as one batch once all are done. A batch of notifications gets no answer.
func (e *Endpoint) handleBatch(msgs []*message.Message) {
	col := dispatch.NewCollector(len(msgs))
	expect := false
	for _, m := range msgs {
		switch m.Kind() {
		case message.KindResponse, message.KindErrorResponse:
			e.deliver(m)
		case message.KindRequest, message.KindNotification:
			expect = true
			col.Add()
			e.serve(m, col.Done)
		default:
			expect = true
			col.Add()
			col.Done(invalidResponse(m))
		}
	}
	if !expect {
		return
	}

	_, release, ok := e.handlers.acquire(e.ctx)
	if !ok {
		return
	}
	go func() {
		defer release()
		if resps := col.Wait(); resps != nil {
			e.reply(message.NewBatch(resps...))
		}
	}()
}

// serve runs a request or notification on its own goroutine and hands the
// response (nil for notifications) to done. done is always called.
func (e *Endpoint) serve(m *message.Message, done func(*message.Message)) {
	ctx, release, ok := e.handlers.acquire(e.ctx)
	if !ok {
		done(shutdownResponse(m))
		return
	}

	go func() {
		defer release()
		if e.sem != nil {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				done(shutdownResponse(m))
				return
			}
			defer e.sem.Release(1)
		}

		resp, err := e.router.Handle(ctx, m)
		if err != nil && m.Kind() == message.KindNotification {
			e.logger.Warn("notification handler failed", "method", m.Method, "error", err)
		}
		done(resp)
	}()
}

// deliver hands a response to the pending table.
func (e *Endpoint) deliver(m *message.Message) {
	if m.ID.IsNull() || !m.ID.IsSet() {
		if m.Error != nil && e.opts.failPendingOnUncorrelatedError {
			n := e.calls.FailAll(m)
			e.logger.Warn("uncorrelated error failed pending calls", "code", m.Error.Code, "calls", n)
			return
		}
		var err error = errors.New("response without id")
		if m.Error != nil {
			err = m.Error
		}
		e.anomaly(Anomaly{Kind: AnomalyUncorrelatedError, ID: m.ID, Err: err})
		return
	}

	err := e.calls.Resolve(m)
	switch {
	case err == nil:
	case errors.Is(err, pending.ErrLateResponse):
		e.logger.Debug("late response discarded", "id", m.ID.String())
	default:
		e.anomaly(Anomaly{Kind: AnomalyUnknownResponse, ID: m.ID, Err: err})
	}
}

func (e *Endpoint) anomaly(a Anomaly) {
	e.logger.Warn("protocol anomaly", "kind", a.Kind.String(), "id", a.ID.String(), "error", a.Err)
	if e.opts.onAnomaly != nil {
		e.opts.onAnomaly(a)
	}
}

func (e *Endpoint) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Notify(ctx, HeartbeatMethod, nil); err != nil {
				e.logger.Debug("heartbeat stopped", "error", err)
				return nil
			}
		}
	}
}

func invalidResponse(m *message.Message) *message.Message {
	id := m.ID
	if !id.IsSet() {
		id = message.NullID()
	}
	rpcErr := m.Invalid
	if rpcErr == nil {
		rpcErr = message.ErrInvalidRequest("unrecognized message")
	}
	return message.NewErrorResponse(id, rpcErr)
}

func shutdownResponse(m *message.Message) *message.Message {
	if m.Kind() == message.KindNotification {
		return nil
	}
	return message.NewErrorResponse(m.ID, message.NewError(message.CodeServerShutdown, "Server shutting down", nil))
}
