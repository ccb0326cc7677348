package message

import (
	"encoding/json"
	"fmt"
)

// Standard error codes. They are fixed by the protocol and never renumbered.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// -32099 ~ -32000: reserved for implementation-defined server errors.
	CodeServerErrorMin = -32099
	CodeServerErrorMax = -32000
)

// Server-defined codes used by this implementation. They sit at -32050 and
// below so applications can keep using the low end of the reserved block
// (e.g. -32001) for their own failures without them being taken for transient.
const (
	CodeServerShutdown   = -32050 // Request arrived while the endpoint was closing
	CodeRateLimited      = -32051 // Rejected by the rate limit middleware
	CodeHandlerTimeout   = -32052 // Handler exceeded the timeout middleware deadline
	CodeRequestCancelled = -32053 // Handler context was cancelled before it answered
)

// Error is the error member of a response. It implements the error interface so a
// handler can return one to control the exact code, message and data sent back.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: code=%d message=%q", e.Code, e.Message)
}

// ErrorCode returns the numeric code.
func (e *Error) ErrorCode() int { return e.Code }

// UnmarshalData decodes the optional data member into v.
func (e *Error) UnmarshalData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// NewError builds an error with optional data. Data that fails to encode is dropped.
func NewError(code int, msg string, data any) *Error {
	e := &Error{Code: code, Message: msg}
	if data != nil {
		if raw, err := marshalValue(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// ErrParse reports a frame that could not be decoded at all.
func ErrParse() *Error {
	return &Error{Code: CodeParseError, Message: "Parse error"}
}

// ErrInvalidRequest reports a well-formed value that is not a valid message.
func ErrInvalidRequest(why string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid Request: " + why}
}

// ErrMethodNotFound reports a request for an unregistered method.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found: " + method}
}

// ErrInvalidParams reports params the handler could not accept.
func ErrInvalidParams(why string) *Error {
	msg := "Invalid params"
	if why != "" {
		msg += ": " + why
	}
	return &Error{Code: CodeInvalidParams, Message: msg}
}

// ErrInternal reports an unexpected handler failure.
func ErrInternal(why string) *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error: " + why}
}

// IsReservedCode reports whether code falls in a range applications must avoid:
// the -32768..-32000 block defined by the protocol.
func IsReservedCode(code int) bool {
	return code >= -32768 && code <= CodeServerErrorMax
}

// IsServerError reports whether code is in the implementation-defined range.
func IsServerError(code int) bool {
	return code >= CodeServerErrorMin && code <= CodeServerErrorMax
}
