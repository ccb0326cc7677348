package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strconv"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"

	"mini-jsonrpc/message"
)

// MsgpackCodec carries the same message model in MessagePack. Each message is a
// map keyed by the usual member names; params, result and error data are
// converted between raw JSON and MessagePack values at the boundary.
type MsgpackCodec struct {
	handle *codec.MsgpackHandle
}

func NewMsgpackCodec() *MsgpackCodec {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return &MsgpackCodec{handle: h}
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}

func (c *MsgpackCodec) Encode(p *message.Packet) ([]byte, error) {
	if p == nil || len(p.Messages) == 0 {
		return nil, errors.New("encode: empty packet")
	}

	var v interface{}
	if p.Batch {
		arr := make([]interface{}, 0, len(p.Messages))
		for _, m := range p.Messages {
			mv, err := msgpackMessage(m)
			if err != nil {
				return nil, err
			}
			arr = append(arr, mv)
		}
		v = arr
	} else {
		mv, err := msgpackMessage(p.Messages[0])
		if err != nil {
			return nil, err
		}
		v = mv
	}

	var buf []byte
	if err := codec.NewEncoderBytes(&buf, c.handle).Encode(v); err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return buf, nil
}

func msgpackMessage(m *message.Message) (map[string]interface{}, error) {
	kind := m.Kind()
	if kind == message.KindInvalid {
		return nil, errors.Errorf("encode: message has no valid shape (id %s)", m.ID)
	}

	out := map[string]interface{}{"jsonrpc": message.Version}
	if m.ID.IsSet() || kind == message.KindResponse || kind == message.KindErrorResponse {
		out["id"] = msgpackID(m.ID)
	}

	switch kind {
	case message.KindRequest, message.KindNotification:
		out["method"] = m.Method
		if len(m.Params) > 0 {
			v, err := jsonToValue(m.Params)
			if err != nil {
				return nil, errors.Wrap(err, "params")
			}
			out["params"] = v
		}
	case message.KindResponse:
		v, err := jsonToValue(m.Result)
		if err != nil {
			return nil, errors.Wrap(err, "result")
		}
		out["result"] = v
	case message.KindErrorResponse:
		e := map[string]interface{}{
			"code":    int64(m.Error.Code),
			"message": m.Error.Message,
		}
		if len(m.Error.Data) > 0 {
			v, err := jsonToValue(m.Error.Data)
			if err != nil {
				return nil, errors.Wrap(err, "error data")
			}
			e["data"] = v
		}
		out["error"] = e
	}
	return out, nil
}

func msgpackID(id message.ID) interface{} {
	if n, ok := id.Number(); ok {
		return n
	}
	if s, ok := id.Str(); ok {
		return s
	}
	return nil
}

func (c *MsgpackCodec) Decode(data []byte) (*message.Packet, error) {
	if len(data) == 0 {
		return nil, &ParseError{Raw: data, Err: errors.New("empty frame")}
	}

	var v interface{}
	if err := codec.NewDecoderBytes(data, c.handle).Decode(&v); err != nil {
		return nil, &ParseError{Raw: data, Err: err}
	}

	switch t := v.(type) {
	case []interface{}:
		if len(t) == 0 {
			return nil, ErrEmptyBatch
		}
		p := &message.Packet{Batch: true, Messages: make([]*message.Message, 0, len(t))}
		for _, el := range t {
			obj, ok := asMap(el)
			if !ok {
				p.Messages = append(p.Messages, invalidElement("batch element is not an object"))
				continue
			}
			p.Messages = append(p.Messages, decodeMsgpackObject(obj))
		}
		return p, nil
	default:
		obj, ok := asMap(v)
		if !ok {
			return message.Single(invalidElement("message must be an object or an array")), nil
		}
		return message.Single(decodeMsgpackObject(obj)), nil
	}
}

func decodeMsgpackObject(obj map[string]interface{}) *message.Message {
	var f fields

	if v, ok := obj["jsonrpc"]; ok {
		f.hasVersion = true
		if s, ok := v.(string); ok {
			f.version = s
		} else {
			f.version = "<non-string>"
		}
	}

	if v, ok := obj["id"]; ok {
		f.id, f.idBad = valueToID(v)
	}

	if v, ok := obj["method"]; ok {
		f.hasMethod = true
		if s, ok := v.(string); ok {
			f.method = s
		} else {
			f.methodBad = true
		}
	}

	if v, ok := obj["params"]; ok && v != nil {
		switch v.(type) {
		case []interface{}, map[string]interface{}, map[interface{}]interface{}:
			raw, err := valueToJSON(v)
			if err != nil {
				f.paramsBad = true
			} else {
				f.params = raw
			}
		default:
			f.paramsBad = true
		}
	}

	if v, ok := obj["result"]; ok {
		f.hasResult = true
		raw, err := valueToJSON(v)
		if err != nil {
			f.resultBad = true
		} else {
			f.result = raw
		}
	}

	if v, ok := obj["error"]; ok {
		f.hasError = true
		f.errObj, f.errBad = valueToError(v)
	}

	return f.build()
}

func valueToID(v interface{}) (message.ID, bool) {
	switch t := v.(type) {
	case nil:
		return message.NullID(), false
	case string:
		return message.StringID(t), false
	case []byte:
		return message.StringID(string(t)), false
	}
	if n, ok := toInt64(v); ok {
		return message.NumberID(n), false
	}
	return message.ID{}, true
}

func valueToError(v interface{}) (*message.Error, bool) {
	obj, ok := asMap(v)
	if !ok {
		return nil, true
	}
	code, ok := toInt64(obj["code"])
	if !ok || code < math.MinInt32 || code > math.MaxInt32 {
		return nil, true
	}
	e := &message.Error{Code: int(code)}
	switch m := obj["message"].(type) {
	case string:
		e.Message = m
	case []byte:
		e.Message = string(m)
	case nil:
	default:
		return nil, true
	}
	if d, ok := obj["data"]; ok {
		raw, err := valueToJSON(d)
		if err != nil {
			return nil, true
		}
		e.Data = raw
	}
	return e, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			switch ks := k.(type) {
			case string:
				out[ks] = val
			case []byte:
				out[string(ks)] = val
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

// jsonToValue turns raw JSON into plain values for the MessagePack encoder.
// Integers that fit are kept as integers instead of float64.
func jsonToValue(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return fromJSONNumbers(v), nil
}

func fromJSONNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if u, err := strconv.ParseUint(string(t), 10, 64); err == nil {
			return u
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		for i := range t {
			t[i] = fromJSONNumbers(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = fromJSONNumbers(t[k])
		}
		return t
	}
	return v
}

// valueToJSON renders a decoded MessagePack value as raw JSON.
func valueToJSON(v interface{}) (json.RawMessage, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool, string, int64, uint64, int, int8, int16, int32, uint, uint8, uint16, uint32:
		return t, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case []byte:
		return string(t), nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			n, err := normalize(t[i])
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]interface{}, map[interface{}]interface{}:
		m, ok := asMap(t)
		if !ok {
			return nil, errors.New("map with non-string keys")
		}
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	return nil, errors.Errorf("unsupported msgpack value %T", v)
}
