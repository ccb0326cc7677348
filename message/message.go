// Package message defines the JSON-RPC 2.0 message model exchanged between two peers.
//
// A Message is the "envelope" for every request, notification and response. It gets
// serialized by the codec layer and wrapped in a protocol frame for transmission.
// A Packet is what travels in one frame: either a single Message or a batch of them.
package message

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Version is the protocol version marker carried in every message.
const Version = "2.0"

// Kind classifies a decoded message by shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error"
	default:
		return "invalid"
	}
}

// Message carries a single request, notification or response.
//
//   - Request:      Method is set, ID is present.
//   - Notification: Method is set, ID is absent.
//   - Response:     Result is non-nil (it may hold the JSON literal null).
//   - Error:        Error is non-nil; ID may be null when the request could not be parsed.
//
// Params, Result and Error.Data are kept as raw JSON so handlers decode them into
// their own types, whatever wire codec carried them.
type Message struct {
	Version string          // "2.0"; empty when the peer omitted it
	ID      ID              // Correlation id, absent for notifications
	Method  string          // Remote method name (requests and notifications)
	Params  json.RawMessage // Positional array, named object, or nil when absent
	Result  json.RawMessage // Success payload; nil means "no result member"
	Error   *Error          // Failure payload

	// Invalid is set by codecs when the element could not be classified as any of
	// the above. The endpoint answers it with Invalid itself.
	Invalid *Error
}

// Kind reports the message variant.
func (m *Message) Kind() Kind {
	switch {
	case m.Invalid != nil:
		return KindInvalid
	case m.Method != "":
		if m.ID.IsSet() {
			return KindRequest
		}
		return KindNotification
	case m.Error != nil:
		return KindErrorResponse
	case m.Result != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// UnmarshalParams decodes the request parameters into v.
// Absent params leave v untouched.
func (m *Message) UnmarshalParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return errors.Wrap(err, "decode params")
	}
	return nil
}

// UnmarshalResult decodes the response result into v.
func (m *Message) UnmarshalResult(v any) error {
	if len(m.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return errors.Wrap(err, "decode result")
	}
	return nil
}

// NewRequest builds a request. params may be nil, a json.RawMessage, or any value
// that encodes to a JSON array or object.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Version: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification; it never carries an id.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Version: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response. A nil result is sent as JSON null.
func NewResponse(id ID, result any) (*Message, error) {
	raw, err := marshalValue(result)
	if err != nil {
		return nil, errors.Wrap(err, "encode result")
	}
	return &Message{Version: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, e *Error) *Message {
	return &Message{Version: Version, ID: id, Error: e}
}

// MarshalParams encodes params, enforcing the structured-value rule: only arrays
// and objects may be sent as params.
func MarshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := marshalValue(params)
	if err != nil {
		return nil, errors.Wrap(err, "encode params")
	}
	switch firstByte(raw) {
	case '[', '{':
		return raw, nil
	case 'n':
		return nil, nil
	default:
		return nil, errors.Errorf("params must be an array or an object, got %s", raw)
	}
}

func marshalValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		}
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func firstByte(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}

// Packet is the content of one frame: a single message, or a batch.
type Packet struct {
	Batch    bool
	Messages []*Message
}

// Single wraps one message into a packet.
func Single(m *Message) *Packet {
	return &Packet{Messages: []*Message{m}}
}

// NewBatch wraps messages into a batch packet.
func NewBatch(msgs ...*Message) *Packet {
	return &Packet{Batch: true, Messages: msgs}
}
