package adapter

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError means the device was unreachable or rejected
// authentication. Retryable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// NotFoundError means the target client or resource is absent on the
// device. Not retryable: it signals drift between the system of record and
// the device.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found on device", e.Resource, e.Key)
}

// ProtocolError means the vendor returned something malformed or
// unexpected. Not retryable: it needs an adapter fix, not another attempt.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: protocol error: %s", e.Op, e.Detail) }

// TimeoutError means the call exceeded its deadline. Retryable. A timed-out
// call is treated as failed, never as success-with-unknown-outcome; the
// next health check is the authoritative reconciliation.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s: timed out after %s", e.Op, e.After) }

// Retryable reports whether err is worth another attempt. Only connection
// and timeout failures qualify; everything else indicates a condition a
// retry cannot fix.
func Retryable(err error) bool {
	var ce *ConnectionError
	var te *TimeoutError
	return errors.As(err, &ce) || errors.As(err, &te)
}
