package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Binary frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│ bodyLen │    body ...    │
//	│ jrp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// Correlation lives in the message ids, so the header carries no sequence number.
const (
	MagicNumber byte = 0x6a // 'j'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (codec) + 4 (bodyLen)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON    byte = 0
	CodecTypeMsgpack byte = 1
)

// Header represents the fixed frame header of FramingBinary.
type Header struct {
	CodecType byte   // Serialization format: 0=JSON, 1=Msgpack
	BodyLen   uint32 // Body length in bytes
}

// Encode writes a complete frame (header + body) to w in a single Write call.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version and codec type, and skips bodies
// larger than maxSize without allocating them.
func Decode(r io.Reader, maxSize int) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if n, err := io.ReadFull(r, headerBuf); err != nil {
		if err == io.EOF && n == 0 {
			return nil, nil, io.EOF
		}
		return nil, nil, truncated(err)
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeMsgpack {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if maxSize > 0 && uint64(bodyLen) > uint64(maxSize) {
		// Skip the body so the next frame can still be read
		if _, err := io.CopyN(io.Discard, r, int64(bodyLen)); err != nil {
			return nil, nil, truncated(err)
		}
		return nil, nil, &FrameError{
			Reason: fmt.Sprintf("Content length %d exceeds limit %d", bodyLen, maxSize),
			Err:    ErrMessageTooLarge,
		}
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, truncated(err)
	}

	return &Header{CodecType: headerBuf[4], BodyLen: bodyLen}, body, nil
}

type binaryReader struct {
	r         io.Reader
	codecType byte
	max       int
}

func (b *binaryReader) ReadFrame() ([]byte, error) {
	h, body, err := Decode(b.r, b.max)
	if err != nil {
		return nil, err
	}
	if h.CodecType != b.codecType {
		return nil, fmt.Errorf("codec mismatch: frame uses %d, connection uses %d", h.CodecType, b.codecType)
	}
	return body, nil
}

type binaryWriter struct {
	w         io.Writer
	codecType byte
}

func (b *binaryWriter) WriteFrame(body []byte) error {
	return Encode(b.w, &Header{CodecType: b.codecType, BodyLen: uint32(len(body))}, body)
}
