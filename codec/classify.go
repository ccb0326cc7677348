package codec

import (
	"encoding/json"

	"mini-jsonrpc/message"
)

// fields collects the members of one decoded object before it is classified.
// Both codecs fill it, so the shape rules live in one place.
type fields struct {
	hasVersion bool
	version    string

	id    message.ID
	idBad bool

	hasMethod bool
	method    string
	methodBad bool

	params    json.RawMessage
	paramsBad bool

	hasResult bool
	result    json.RawMessage
	resultBad bool

	hasError bool
	errObj   *message.Error
	errBad   bool
}

// build applies the protocol shape rules: method ⇒ request/notification,
// result or error ⇒ response. Anything else is an invalid element that keeps
// whatever id could be read.
func (f *fields) build() *message.Message {
	m := &message.Message{Version: f.version, ID: f.id}
	if f.idBad {
		m.ID = message.NullID()
	}

	invalid := func(why string) *message.Message {
		m.Invalid = message.ErrInvalidRequest(why)
		if !m.ID.IsSet() {
			m.ID = message.NullID()
		}
		return m
	}

	if f.hasVersion && f.version != message.Version {
		return invalid("unsupported jsonrpc version")
	}
	if f.idBad {
		return invalid("id must be a string, an integer or null")
	}

	switch {
	case f.hasMethod:
		if f.methodBad || f.method == "" {
			return invalid("method must be a non-empty string")
		}
		if f.paramsBad {
			return invalid("params must be an array or an object")
		}
		if f.hasResult || f.hasError {
			return invalid("request carries a result or an error")
		}
		m.Method = f.method
		m.Params = f.params
	case f.hasError:
		if f.hasResult {
			return invalid("response carries both result and error")
		}
		if f.errBad {
			return invalid("malformed error object")
		}
		if !m.ID.IsSet() {
			m.ID = message.NullID()
		}
		m.Error = f.errObj
	case f.hasResult:
		if !m.ID.IsSet() || m.ID.IsNull() {
			return invalid("response without id")
		}
		if f.resultBad {
			return invalid("result cannot be represented as JSON")
		}
		m.Result = f.result
		if m.Result == nil {
			m.Result = json.RawMessage("null")
		}
	default:
		return invalid("missing method, result or error")
	}
	return m
}

func invalidElement(why string) *message.Message {
	return &message.Message{ID: message.NullID(), Invalid: message.ErrInvalidRequest(why)}
}
