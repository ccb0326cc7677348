package dispatch

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"

	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
)

// methodType is one exported method with an RPC signature:
//
//	func (s *T) Method(args *A, reply *R) error
//	func (s *T) Method(ctx context.Context, args *A, reply *R) error
type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService scans rcvr for methods with an RPC signature. name overrides the
// struct type name when not empty.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("dispatch: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("dispatch: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}

	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, errors.Errorf("dispatch: type %s has no exported methods of suitable type", typ)
	}
	return srv, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		first := 1
		withCtx := false
		if mt.NumIn() == 4 && mt.In(1) == contextType {
			first, withCtx = 2, true
		} else if mt.NumIn() != 3 {
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	var args []reflect.Value
	if mType.withCtx {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	} else {
		args = []reflect.Value{s.rcvr, argv, replyv}
	}
	results := mType.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

func (s *service) handler(mType *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Message) (any, error) {
		argv := reflect.New(mType.ArgType)
		replyv := reflect.New(mType.ReplyType)

		if err := decodeServiceArgs(req.Params, mType.ArgType, argv.Interface()); err != nil {
			return nil, err
		}
		if err := s.call(ctx, mType, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}

// decodeServiceArgs accepts the args object directly, or wrapped in a
// one-element array as net/rpc style clients send it.
func decodeServiceArgs(raw json.RawMessage, argType reflect.Type, v any) error {
	if len(raw) > 0 && raw[0] == '[' && argType.Kind() != reflect.Slice && argType.Kind() != reflect.Array {
		var wrapped []json.RawMessage
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return message.ErrInvalidParams(err.Error())
		}
		switch len(wrapped) {
		case 0:
			return nil
		case 1:
			raw = wrapped[0]
		default:
			return message.ErrInvalidParams("expected a single argument")
		}
	}
	return decodeParams(raw, v)
}

// RegisterService exposes every suitable method of rcvr as "Type.Method".
func (r *Router) RegisterService(rcvr any) error {
	return r.RegisterServiceName("", rcvr)
}

// RegisterServiceName is RegisterService with an explicit service name.
func (r *Router) RegisterServiceName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	for methodName, mType := range svc.method {
		if err := r.Register(svc.name+"."+methodName, svc.handler(mType)); err != nil {
			return err
		}
	}
	return nil
}

// Services returns the distinct service prefixes of registered "Service.Method" names.
func (r *Router) Services() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.Methods() {
		for i := 0; i < len(m); i++ {
			if m[i] == '.' {
				if name := m[:i]; !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
				break
			}
		}
	}
	return out
}
