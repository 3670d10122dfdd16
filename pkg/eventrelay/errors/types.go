package errors

import (
	"fmt"
	"time"
)

// SerializationError indicates an envelope could not be encoded or
// decoded. It is permanent: the same payload will fail the same way.
type SerializationError struct {
	MessageType string
	Codec       string
	Err         error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s envelope with %s: %v", e.MessageType, e.Codec, e.Err)
}

// Unwrap returns the underlying codec error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed transport operation.
type TransportError struct {
	// Op is the transport operation ("write", "read", "verify", "cleanup").
	Op string

	// Category is the message category the operation targeted.
	Category string

	// Unavailable is set when the transport refused the operation
	// because it reported itself unavailable.
	Unavailable bool

	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("transport %s %s: transport unavailable", e.Op, e.Category)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Category, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-2xx response from the ingestion endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// BreakerOpenError is reported when the circuit breaker rejects an
// attempt without calling the delivery path.
type BreakerOpenError struct {
	// OpenedAt is when the breaker last recorded a failure.
	OpenedAt time.Time

	// RetryAt is the earliest time a probe will be let through.
	RetryAt time.Time
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open until %s", e.RetryAt.Format(time.RFC3339))
}

// ExhaustedError is reported when every retry attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the error from the final attempt.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
