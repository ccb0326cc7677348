// Package codec turns message packets into bytes and back.
//
// Two interchangeable codecs are provided: JSONCodec (textual) and MsgpackCodec
// (compact binary). The endpoint only sees the Codec interface, so the choice is
// made once per connection and never leaks into dispatch or correlation logic.
package codec

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"mini-jsonrpc/message"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	// Encode serializes a single message or a batch into one frame body.
	Encode(p *message.Packet) ([]byte, error)
	// Decode classifies one frame body. Syntax failures return *ParseError; an
	// empty batch returns ErrEmptyBatch. Elements that are well-formed but not
	// valid messages come back with Message.Invalid set.
	Decode(data []byte) (*message.Packet, error)
	Type() CodecType // 0=JSON, 1=Msgpack
}

// IDExtractor is implemented by codecs that can salvage the id of a request
// whose body failed to decode, so the error response can still be correlated.
type IDExtractor interface {
	ExtractID(data []byte) message.ID
}

// ErrEmptyBatch is returned for a frame holding an empty array.
var ErrEmptyBatch = errors.New("empty batch")

// ParseError carries the bytes of a frame that could not be decoded.
type ParseError struct {
	Raw []byte
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return NewMsgpackCodec()
}

// ParseCodecType maps a configuration name onto a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "msgpack", "binary":
		return CodecTypeMsgpack, nil
	default:
		return 0, errors.Errorf("unknown codec %q", name)
	}
}
