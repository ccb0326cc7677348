// Package protocol splits a duplex byte stream into message frames and joins
// frames back into bytes. It knows nothing about message content: a frame is
// the encoded form of one message or one batch.
//
// Four framings are available:
//
//	FramingStream  - one top-level JSON value per frame, delimited by brace and
//	                 bracket depth (string-aware, whitespace-insensitive)
//	FramingHeader  - "Content-Length: N\r\n\r\n" followed by N body bytes
//	FramingNewline - one frame per line
//	FramingBinary  - fixed 9-byte header (magic, version, codec, length) + body
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// DefaultMaxMessageSize bounds a single frame body (1MB).
const DefaultMaxMessageSize = 1024 * 1024

var (
	// ErrTruncatedFrame is returned when the stream ends in the middle of a frame.
	ErrTruncatedFrame = errors.New("truncated frame")
	// ErrMessageTooLarge is returned when a frame exceeds the configured limit.
	ErrMessageTooLarge = errors.New("message too large")
)

// FrameError is a framing violation the reader recovered from: the offending
// bytes were consumed and the next frame can still be read.
type FrameError struct {
	Reason string
	Err    error // optional cause, e.g. ErrMessageTooLarge
}

func (e *FrameError) Error() string { return e.Reason }

func (e *FrameError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err leaves the stream usable.
func IsRecoverable(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

type Framing byte

const (
	FramingStream Framing = iota
	FramingHeader
	FramingNewline
	FramingBinary
)

func (f Framing) String() string {
	switch f {
	case FramingStream:
		return "stream"
	case FramingHeader:
		return "header"
	case FramingNewline:
		return "newline"
	case FramingBinary:
		return "binary"
	default:
		return fmt.Sprintf("framing(%d)", byte(f))
	}
}

// ParseFraming maps a configuration name onto a framing.
func ParseFraming(name string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stream", "json":
		return FramingStream, nil
	case "header", "content-length":
		return FramingHeader, nil
	case "newline", "line":
		return FramingNewline, nil
	case "binary":
		return FramingBinary, nil
	default:
		return 0, errors.Errorf("unknown framing %q", name)
	}
}

// SelfDelimiting reports whether the framing can carry bodies that are not
// textual JSON.
func (f Framing) SelfDelimiting() bool {
	return f == FramingHeader || f == FramingBinary
}

// Reader yields one frame body per call. It returns io.EOF when the stream ends
// cleanly between frames and ErrTruncatedFrame when it ends inside one.
type Reader interface {
	ReadFrame() ([]byte, error)
}

// Writer emits one frame per call. Writers are not safe for concurrent use:
// the caller must hold a write lock if multiple goroutines share one, otherwise
// frames from different senders interleave and corrupt the stream.
type Writer interface {
	WriteFrame(body []byte) error
}

// NewReader returns a frame reader for the framing. codecType is only checked by
// FramingBinary. maxSize <= 0 selects DefaultMaxMessageSize.
func NewReader(f Framing, r io.Reader, codecType byte, maxSize int) Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	switch f {
	case FramingHeader:
		return &headerReader{r: br, max: maxSize}
	case FramingNewline:
		return &lineReader{r: br, max: maxSize}
	case FramingBinary:
		return &binaryReader{r: br, codecType: codecType, max: maxSize}
	default:
		return &valueReader{r: br, max: maxSize}
	}
}

// NewWriter returns a frame writer for the framing.
func NewWriter(f Framing, w io.Writer, codecType byte) Writer {
	switch f {
	case FramingHeader:
		return &headerWriter{w: w}
	case FramingNewline:
		return &lineWriter{w: w}
	case FramingBinary:
		return &binaryWriter{w: w, codecType: codecType}
	default:
		return &valueWriter{w: w}
	}
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncatedFrame
	}
	return err
}
