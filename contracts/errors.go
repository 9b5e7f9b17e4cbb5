package contracts

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

var (
	// Connection errors
	ErrConnectionRefused = errors.New("nest: connection refused by broker")
	ErrRetryExhausted    = errors.New("nest: reconnection attempts exhausted")
	ErrNotConnected      = errors.New("nest: client is not connected")
	ErrClientClosed      = errors.New("nest: client is closed")

	// Call errors
	ErrTooManyPendingRequests = errors.New("nest: too many pending requests")
)

// ConnectionError describes a failed connection attempt sequence.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Broker URL (sanitized)
	Err       error     // Underlying error
	Attempts  int       // Number of attempts made
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("nest connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("nest connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SerializationError is reported when an outbound packet cannot be converted
// to its wire form. It is delivered synchronously to the caller, never as a
// network action.
type SerializationError struct {
	Pattern string
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("nest serialization error: pattern %q: %v", e.Pattern, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// RemoteError wraps the err field carried inside a deserialized response.
// The wire form is arbitrary, so the original value is kept as-is.
type RemoteError struct {
	Payload interface{}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("nest: remote error: %v", e.Payload)
}

// IsConnectionRefused reports whether err indicates the broker host is not
// listening. Such failures are propagated fast instead of being retried.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, ErrConnectionRefused) || errors.Is(err, syscall.ECONNREFUSED)
}

// SanitizeURL strips credentials from a broker URL before it reaches a log line.
func SanitizeURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}
