package protocol

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

const (
	// maxHeaderBlock bounds the header lines of one frame.
	maxHeaderBlock = 8 << 10
	// maxReasonLine bounds how much of a bad header line is echoed in errors.
	maxReasonLine = 64
)

// headerReader reads the base-protocol framing used by language servers:
//
//	Content-Length: 52\r\n
//	Content-Type: application/vscode-jsonrpc; charset=utf-8\r\n
//	\r\n
//	{"jsonrpc":"2.0",...}
//
// Content-Type is optional. Header names are case-insensitive.
type headerReader struct {
	r   *bufio.Reader
	max int
}

func (h *headerReader) ReadFrame() ([]byte, error) {
	length := -1
	sawHeader := false
	budget := maxHeaderBlock

	for {
		line, err := h.readLine(&budget)
		if err != nil {
			if err == io.EOF && !sawHeader && strings.TrimSpace(line) == "" {
				return nil, io.EOF
			}
			return nil, truncated(err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				budget = maxHeaderBlock
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, h.resync(&budget, "Expected Content-Length header but received '"+clip(line)+"'")
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, h.resync(&budget, "Invalid Content-Length '"+clip(strings.TrimSpace(value))+"'")
			}
			length = n
		case "content-type":
		default:
			return nil, h.resync(&budget, "Unexpected header '"+clip(line)+"'")
		}
	}

	if length < 0 {
		return nil, &FrameError{Reason: "Expected Content-Length header"}
	}
	if length > h.max {
		if _, err := io.CopyN(io.Discard, h.r, int64(length)); err != nil {
			return nil, truncated(err)
		}
		return nil, &FrameError{
			Reason: "Content length " + strconv.Itoa(length) + " exceeds limit " + strconv.Itoa(h.max),
			Err:    ErrMessageTooLarge,
		}
	}

	body := make([]byte, length)
	if n, err := io.ReadFull(h.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &truncatedBody{expected: length, got: n}
		}
		return nil, err
	}
	return body, nil
}

// readLine reads one header line, charging it against budget. A header block
// that outgrows the budget fails with ErrMessageTooLarge before it is buffered.
func (h *headerReader) readLine(budget *int) (string, error) {
	var line []byte
	for {
		chunk, err := h.r.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return "", ErrMessageTooLarge
		}
		line = append(line, chunk...)
		if err != bufio.ErrBufferFull {
			return string(line), err
		}
	}
}

// resync drops the rest of a malformed header block so the next read starts on
// a fresh frame.
func (h *headerReader) resync(budget *int, reason string) error {
	for {
		line, err := h.readLine(budget)
		if err != nil {
			return truncated(err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return &FrameError{Reason: reason}
		}
	}
}

func clip(s string) string {
	if len(s) <= maxReasonLine {
		return s
	}
	return strings.ToValidUTF8(s[:maxReasonLine], "") + "..."
}

type truncatedBody struct {
	expected, got int
}

func (t *truncatedBody) Error() string {
	return "Content length mismatch. Expected " + strconv.Itoa(t.expected) + " but received " + strconv.Itoa(t.got)
}

func (t *truncatedBody) Unwrap() error { return ErrTruncatedFrame }

type headerWriter struct {
	w io.Writer
}

func (h *headerWriter) WriteFrame(body []byte) error {
	prefix := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	buf := make([]byte, 0, len(prefix)+len(body))
	buf = append(buf, prefix...)
	buf = append(buf, body...)
	_, err := h.w.Write(buf)
	return err
}
