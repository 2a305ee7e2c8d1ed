package matcher

import (
	"errors"
	"fmt"
)

// NetworkError means no usable response arrived: the request could not be
// sent, timed out, was cancelled, or the connection dropped mid-body.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ProtocolError means a response arrived but does not satisfy the matcher
// contract. StatusCode is zero for transports without HTTP status codes.
type ProtocolError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	msg := "protocol error"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ErrorClass labels err for logs and metrics: "network", "protocol" or "other".
func ErrorClass(err error) string {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "network"
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return "protocol"
	}
	return "other"
}

// IsTransient reports whether err is a per-request failure that the caller
// should absorb and retry on its own schedule.
func IsTransient(err error) bool {
	switch ErrorClass(err) {
	case "network", "protocol":
		return true
	default:
		return false
	}
}
