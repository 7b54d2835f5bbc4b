package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when an operation is attempted on a
	// transport that is not currently connected. Callers should not retry
	// the operation without reconnecting first.
	ErrNotConnected = errors.New("transport not connected")

	// ErrClosed is returned by operations other than Close on a transport
	// that has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrSerialization wraps JSON encode/decode failures in either
	// direction on the wire.
	ErrSerialization = errors.New("serialization failed")
)

// ConfigError indicates a structurally invalid configuration. It is produced
// before any I/O is attempted and names the offending field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration field %s: %s", e.Field, e.Reason)
}

// ConnectionError indicates the peer could not be reached or closed the
// channel: a process that could not be spawned, a pipe that hit EOF, or an
// HTTP endpoint that refused the exchange.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError indicates a deadline elapsed while waiting for a response.
// The underlying transport is NOT closed when this is returned; tearing down
// a slow-but-alive peer is the caller's decision.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %s", e.Op, e.After)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
