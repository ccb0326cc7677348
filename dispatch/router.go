// Package dispatch routes inbound requests and notifications to handlers.
//
// Processing pipeline for one message:
//
//	lookup method → Middleware Chain → Recovery → handler → build response
//
// A request always yields exactly one response, whatever the handler does.
// A notification never yields one.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
)

// Router maps method names to handlers. It is safe for concurrent use and may
// be shared by many endpoints.
type Router struct {
	mu          sync.RWMutex
	handlers    map[string]middleware.HandlerFunc
	middlewares []middleware.Middleware
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]middleware.HandlerFunc)}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (r *Router) Use(mw ...middleware.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw...)
}

// Register binds method to h, replacing any earlier binding. Names starting
// with "rpc." are reserved for protocol extensions.
func (r *Router) Register(method string, h middleware.HandlerFunc) error {
	if method == "" {
		return errors.New("dispatch: empty method name")
	}
	if strings.HasPrefix(method, "rpc.") {
		return errors.Errorf("dispatch: method name %q is reserved", method)
	}
	if h == nil {
		return errors.Errorf("dispatch: nil handler for %q", method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
	return nil
}

// Unregister removes the binding for method.
func (r *Router) Unregister(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, method)
}

// Methods returns the registered method names, sorted.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) lookup(method string) (middleware.HandlerFunc, []middleware.Middleware, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, r.middlewares, ok
}

// Handle serves one request or notification. For a request it returns the
// response to send; for a notification it returns nil. The error is the
// handler's own failure, reported for logging only: it is already folded into
// the response.
func (r *Router) Handle(ctx context.Context, req *message.Message) (resp *message.Message, err error) {
	isNotification := req.Kind() == message.KindNotification

	h, mws, ok := r.lookup(req.Method)
	if !ok {
		if isNotification {
			return nil, nil
		}
		return message.NewErrorResponse(req.ID, message.ErrMethodNotFound(req.Method)), nil
	}

	// Last line of defense: a panicking middleware must not escape either.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			resp = nil
			if !isNotification {
				resp = message.NewErrorResponse(req.ID, message.NewError(message.CodeInternalError,
					fmt.Sprintf("Internal error: %v", p),
					map[string]string{"stack": string(debug.Stack())}))
			}
		}
	}()

	handler := middleware.Chain(mws...)(middleware.RecoveryMiddleware()(h))
	result, err := handler(ctx, req)

	if isNotification {
		return nil, err
	}
	if err != nil {
		return message.NewErrorResponse(req.ID, ToError(err)), err
	}

	raw, encErr := encodeResult(result)
	if encErr != nil {
		return message.NewErrorResponse(req.ID, message.ErrInternal("cannot encode result: "+encErr.Error())), encErr
	}
	return &message.Message{Version: message.Version, ID: req.ID, Result: raw}, nil
}

// ToError maps a handler failure onto the error member of a response.
func ToError(err error) *message.Error {
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, context.Canceled) {
		return &message.Error{Code: message.CodeRequestCancelled, Message: "Request cancelled"}
	}
	return message.ErrInternal(err.Error())
}

func encodeResult(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		}
		return t, nil
	}
	return json.Marshal(v)
}
