// Package syncerr defines the typed error taxonomy produced at the network
// boundary. The retry executor keys retryability and backoff shape off the
// Reason carried by these errors.
package syncerr

import (
	"errors"
	"fmt"
)

// Reason classifies a failed operation for retry decisions.
type Reason string

const (
	ReasonNetwork    Reason = "network_error"
	ReasonTimeout    Reason = "timeout"
	ReasonRateLimit  Reason = "rate_limit"
	ReasonAuth       Reason = "authentication_error"
	ReasonValidation Reason = "validation_error"
	ReasonConflict   Reason = "conflict"
	ReasonServer     Reason = "server_error"
	ReasonUnknown    Reason = "unknown"
)

// Error is a classified failure. Op names the operation that failed, in the
// form "transport.SyncBatch".
type Error struct {
	Reason Reason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a reason and operation name.
func New(reason Reason, op string, err error) *Error {
	return &Error{Reason: reason, Op: op, Err: err}
}

func Network(op string, err error) *Error    { return New(ReasonNetwork, op, err) }
func Timeout(op string, err error) *Error    { return New(ReasonTimeout, op, err) }
func RateLimit(op string, err error) *Error  { return New(ReasonRateLimit, op, err) }
func Auth(op string, err error) *Error       { return New(ReasonAuth, op, err) }
func Validation(op string, err error) *Error { return New(ReasonValidation, op, err) }
func Conflict(op string, err error) *Error   { return New(ReasonConflict, op, err) }
func Server(op string, err error) *Error     { return New(ReasonServer, op, err) }

// ReasonOf extracts the reason from a typed error chain. The second return
// value is false for untyped errors, which callers should pass through a
// heuristic classifier instead.
func ReasonOf(err error) (Reason, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return ReasonUnknown, false
}
