package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// valueReader delimits frames by top-level JSON value boundaries. Objects and
// arrays end when their depth returns to zero; strings and brackets inside
// string literals are ignored. A bare scalar ends at the next whitespace or
// structural character, which lets the codec answer it as an invalid message.
type valueReader struct {
	r   *bufio.Reader
	max int
}

func (v *valueReader) ReadFrame() ([]byte, error) {
	first, err := v.skipSpace()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, first)

	switch first {
	case '{', '[':
		return v.readComposite(buf)
	case '"':
		return v.readString(buf)
	case '}', ']', ',', ':':
		return buf, nil
	default:
		return v.readScalar(buf)
	}
}

func (v *valueReader) skipSpace() (byte, error) {
	for {
		c, err := v.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if !isSpace(c) {
			return c, nil
		}
	}
}

func (v *valueReader) readComposite(buf []byte) ([]byte, error) {
	depth := 1
	inString, escaped := false, false
	for depth > 0 {
		c, err := v.r.ReadByte()
		if err != nil {
			return nil, truncated(err)
		}
		buf = append(buf, c)
		if len(buf) > v.max {
			return nil, ErrMessageTooLarge
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return buf, nil
}

func (v *valueReader) readString(buf []byte) ([]byte, error) {
	escaped := false
	for {
		c, err := v.r.ReadByte()
		if err != nil {
			return nil, truncated(err)
		}
		buf = append(buf, c)
		if len(buf) > v.max {
			return nil, ErrMessageTooLarge
		}
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			return buf, nil
		}
	}
}

func (v *valueReader) readScalar(buf []byte) ([]byte, error) {
	for {
		c, err := v.r.ReadByte()
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
		if isSpace(c) {
			return buf, nil
		}
		switch c {
		case '{', '[', '}', ']', '"', ',', ':':
			_ = v.r.UnreadByte()
			return buf, nil
		}
		buf = append(buf, c)
		if len(buf) > v.max {
			return nil, ErrMessageTooLarge
		}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// valueWriter separates values with a newline so scalars stay delimited.
type valueWriter struct {
	w io.Writer
}

func (v *valueWriter) WriteFrame(body []byte) error {
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, body...)
	buf = append(buf, '\n')
	_, err := v.w.Write(buf)
	return err
}

// lineReader yields one frame per line. Blank lines are skipped.
type lineReader struct {
	r   *bufio.Reader
	max int
}

func (l *lineReader) ReadFrame() ([]byte, error) {
	for {
		line, err := l.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
	}
}

func (l *lineReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > l.max+2 {
			return nil, ErrMessageTooLarge
		}
		switch err {
		case nil:
			return line, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			// A final line without terminator still holds a complete frame.
			return line, nil
		default:
			return nil, err
		}
	}
}

// lineWriter compacts bodies that contain newlines before writing them.
type lineWriter struct {
	w io.Writer
}

func (l *lineWriter) WriteFrame(body []byte) error {
	buf := make([]byte, 0, len(body)+1)
	if bytes.IndexByte(body, '\n') >= 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err != nil {
			return err
		}
		buf = append(buf, compact.Bytes()...)
	} else {
		buf = append(buf, body...)
	}
	buf = append(buf, '\n')
	_, err := l.w.Write(buf)
	return err
}
