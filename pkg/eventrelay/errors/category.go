// Package errors classifies delivery failures so the retry scheduler
// knows which ones are worth another attempt.
//
// Three categories exist:
//   - Transient: transport failures, unavailable endpoints, HTTP 5xx/429.
//     Retried with backoff and counted against the circuit breaker.
//   - Permanent: serialization failures and rejected payloads. Retrying
//     cannot fix them, so they are reported once and never retried.
//   - BreakerOpen: the attempt was refused before reaching the transport.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how a delivery error should be handled.
type Category int

const (
	// CategoryTransient indicates a later attempt will likely succeed.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retrying cannot help.
	CategoryPermanent

	// CategoryBreakerOpen indicates the circuit breaker rejected the attempt.
	CategoryBreakerOpen
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryBreakerOpen:
		return "breaker_open"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of delivery attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
//
// Unlike most error taxonomies, unknown errors are transient: anything a
// transport returns that is not explicitly permanent is treated as a
// delivery hiccup and goes through backoff and the breaker.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var breakerErr *BreakerOpenError
	if errors.As(err, &breakerErr) {
		return CategoryBreakerOpen
	}

	var serErr *SerializationError
	if errors.As(err, &serErr) {
		return CategoryPermanent
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 408, 425, 429:
			return CategoryTransient
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient
			}
			return CategoryPermanent
		}
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	return CategoryTransient
}

// IsRetryable reports whether another attempt might succeed.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsPermanent reports whether the error can never be fixed by retrying.
func IsPermanent(err error) bool {
	return Categorize(err) == CategoryPermanent
}

// IsBreakerOpen reports whether the attempt was rejected by an open breaker.
func IsBreakerOpen(err error) bool {
	return Categorize(err) == CategoryBreakerOpen
}
