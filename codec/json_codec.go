package codec

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/go-faster/jx"
	"github.com/pkg/errors"

	"mini-jsonrpc/message"
)

// JSONCodec reads and writes the textual wire format with a streaming tokenizer.
// Params and result bytes are passed through untouched, so integer ids and
// payload numbers never round-trip through float64.
type JSONCodec struct{}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) Encode(p *message.Packet) ([]byte, error) {
	if p == nil || len(p.Messages) == 0 {
		return nil, errors.New("encode: empty packet")
	}

	var e jx.Encoder
	if p.Batch {
		e.ArrStart()
	}
	for _, m := range p.Messages {
		if err := encodeJSONMessage(&e, m); err != nil {
			return nil, err
		}
	}
	if p.Batch {
		e.ArrEnd()
	}
	return e.Bytes(), nil
}

func encodeJSONMessage(e *jx.Encoder, m *message.Message) error {
	kind := m.Kind()
	if kind == message.KindInvalid {
		return errors.Errorf("encode: message has no valid shape (id %s)", m.ID)
	}

	e.ObjStart()
	e.FieldStart("jsonrpc")
	e.Str(message.Version)

	if m.ID.IsSet() || kind == message.KindResponse || kind == message.KindErrorResponse {
		e.FieldStart("id")
		encodeJSONID(e, m.ID)
	}

	switch kind {
	case message.KindRequest, message.KindNotification:
		e.FieldStart("method")
		e.Str(m.Method)
		if len(m.Params) > 0 {
			e.FieldStart("params")
			e.Raw(m.Params)
		}
	case message.KindResponse:
		e.FieldStart("result")
		e.Raw(m.Result)
	case message.KindErrorResponse:
		e.FieldStart("error")
		e.ObjStart()
		e.FieldStart("code")
		e.Int(m.Error.Code)
		e.FieldStart("message")
		e.Str(m.Error.Message)
		if len(m.Error.Data) > 0 {
			e.FieldStart("data")
			e.Raw(m.Error.Data)
		}
		e.ObjEnd()
	}
	e.ObjEnd()
	return nil
}

func encodeJSONID(e *jx.Encoder, id message.ID) {
	if n, ok := id.Number(); ok {
		e.Int64(n)
		return
	}
	if s, ok := id.Str(); ok {
		e.Str(s)
		return
	}
	e.Null()
}

func (c *JSONCodec) Decode(data []byte) (*message.Packet, error) {
	d := jx.DecodeBytes(data)

	switch d.Next() {
	case jx.Object:
		m, err := decodeJSONObject(d)
		if err != nil {
			return nil, &ParseError{Raw: data, Err: err}
		}
		return message.Single(m), nil

	case jx.Array:
		p := &message.Packet{Batch: true}
		err := d.Arr(func(d *jx.Decoder) error {
			if d.Next() != jx.Object {
				if err := d.Skip(); err != nil {
					return err
				}
				p.Messages = append(p.Messages, invalidElement("batch element is not an object"))
				return nil
			}
			m, err := decodeJSONObject(d)
			if err != nil {
				return err
			}
			p.Messages = append(p.Messages, m)
			return nil
		})
		if err != nil {
			return nil, &ParseError{Raw: data, Err: err}
		}
		if len(p.Messages) == 0 {
			return nil, ErrEmptyBatch
		}
		return p, nil

	case jx.Invalid:
		if len(data) == 0 {
			return nil, &ParseError{Raw: data, Err: errors.New("empty frame")}
		}
		return nil, &ParseError{Raw: data, Err: errors.New("not a JSON value")}

	default:
		// A well-formed scalar is valid JSON but never a valid message.
		if err := d.Skip(); err != nil {
			return nil, &ParseError{Raw: data, Err: err}
		}
		return message.Single(invalidElement("message must be an object or an array")), nil
	}
}

func decodeJSONObject(d *jx.Decoder) (*message.Message, error) {
	var f fields
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "jsonrpc":
			f.hasVersion = true
			if d.Next() != jx.String {
				f.version = "<non-string>"
				return d.Skip()
			}
			v, err := d.Str()
			f.version = v
			return err

		case "id":
			id, ok, err := decodeJSONID(d)
			f.id, f.idBad = id, !ok
			return err

		case "method":
			f.hasMethod = true
			if d.Next() != jx.String {
				f.methodBad = true
				return d.Skip()
			}
			v, err := d.Str()
			f.method = v
			return err

		case "params":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			switch raw.Type() {
			case jx.Array, jx.Object:
				f.params = cloneRaw(raw)
			case jx.Null:
				// Treated as omitted.
			default:
				f.paramsBad = true
			}
			return nil

		case "result":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			f.hasResult = true
			f.result = cloneRaw(raw)
			return nil

		case "error":
			f.hasError = true
			if d.Next() != jx.Object {
				f.errBad = true
				return d.Skip()
			}
			e, ok, err := decodeJSONError(d)
			f.errObj, f.errBad = e, !ok
			return err

		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}
	return f.build(), nil
}

// decodeJSONID reads an id member. ok is false when the value is well-formed JSON
// of a kind an id cannot take (fraction, bool, object...).
func decodeJSONID(d *jx.Decoder) (message.ID, bool, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		return message.StringID(s), true, err
	case jx.Null:
		return message.NullID(), true, d.Null()
	case jx.Number:
		raw, err := d.Raw()
		if err != nil {
			return message.ID{}, false, err
		}
		n, perr := strconv.ParseInt(string(raw), 10, 64)
		if perr != nil {
			return message.ID{}, false, nil
		}
		return message.NumberID(n), true, nil
	default:
		return message.ID{}, false, d.Skip()
	}
}

func decodeJSONError(d *jx.Decoder) (*message.Error, bool, error) {
	e := &message.Error{}
	hasCode, ok := false, true
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			if d.Next() != jx.Number {
				ok = false
				return d.Skip()
			}
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			code, perr := strconv.Atoi(string(raw))
			if perr != nil {
				ok = false
				return nil
			}
			e.Code, hasCode = code, true
			return nil
		case "message":
			if d.Next() != jx.String {
				ok = false
				return d.Skip()
			}
			msg, err := d.Str()
			e.Message = msg
			return err
		case "data":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			e.Data = cloneRaw(raw)
			return nil
		default:
			return d.Skip()
		}
	})
	return e, ok && hasCode, err
}

// ExtractID scans a frame that failed to decode and returns the top-level id if
// it appears before the point of failure. It returns the null id otherwise.
func (c *JSONCodec) ExtractID(data []byte) message.ID {
	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return message.NullID()
	}

	found := message.NullID()
	errFound := errors.New("found")
	_ = d.Obj(func(d *jx.Decoder, key string) error {
		if key != "id" {
			return d.Skip()
		}
		id, ok, err := decodeJSONID(d)
		if err == nil && ok {
			found = id
		}
		return errFound
	})
	return found
}

// cloneRaw detaches a raw value from the decoder's input buffer, without the
// surrounding whitespace.
func cloneRaw(raw jx.Raw) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
