package endpoint

import (
	"fmt"

	"github.com/pkg/errors"

	"mini-jsonrpc/message"
	"mini-jsonrpc/pending"
)

var (
	// ErrClosed is returned by calls on an endpoint that is closing or closed,
	// and delivered to every call still waiting when the connection goes away.
	ErrClosed = errors.New("connection closed")
	// ErrNotStarted is returned by calls issued before Start.
	ErrNotStarted = errors.New("endpoint not started")
	// ErrTimeout is returned by Call when its deadline expires first.
	ErrTimeout = pending.ErrTimeout

	// ErrInvalidConn is returned by New for a nil connection.
	ErrInvalidConn = errors.New("invalid connection")
	// ErrInvalidFraming is returned by New when the framing cannot carry the codec.
	ErrInvalidFraming = errors.New("framing cannot carry binary codec")
)

// TransportError is a read or write failure on the underlying connection. It
// is fatal to the endpoint.
type TransportError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AnomalyKind classifies protocol anomalies. None of them is fatal.
type AnomalyKind int

const (
	// AnomalyUnknownResponse is a response whose id matches no outstanding
	// call, including a second response for an already answered id.
	AnomalyUnknownResponse AnomalyKind = iota
	// AnomalyUncorrelatedError is an error response without id.
	AnomalyUncorrelatedError
	// AnomalyDuplicateID is an outbound id that was already in use.
	AnomalyDuplicateID
)

func (k AnomalyKind) String() string {
	switch k {
	case AnomalyUnknownResponse:
		return "unknown_response"
	case AnomalyUncorrelatedError:
		return "uncorrelated_error"
	case AnomalyDuplicateID:
		return "duplicate_id"
	default:
		return fmt.Sprintf("anomaly(%d)", int(k))
	}
}

// Anomaly describes one ignored protocol violation.
type Anomaly struct {
	Kind AnomalyKind
	ID   message.ID
	Err  error
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s id=%s: %v", a.Kind, a.ID, a.Err)
}
