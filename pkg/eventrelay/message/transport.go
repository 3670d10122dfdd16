package message

import (
	"context"
	"errors"
	"time"
)

// ErrNoData is returned by Transport.Read when nothing is waiting in
// the requested category.
var ErrNoData = errors.New("no data")

// ErrVerifyMismatch is returned by Transport.Verify when the transport
// cannot confirm the payload was stored as written.
var ErrVerifyMismatch = errors.New("payload verification failed")

// Transport performs single writes and reads of serialized payloads.
// Categories are message type names ("event_batch", "action", ...).
//
// Implementations are external collaborators: HTTP, file-based IPC, or
// an in-memory fake. Failures are reported as errors, never panics.
type Transport interface {
	// Write stores or sends one payload.
	Write(ctx context.Context, payload []byte, category string) error

	// Read returns the next payload waiting in category, or ErrNoData.
	Read(ctx context.Context, category string) ([]byte, error)

	// Verify confirms a previously written payload arrived intact.
	Verify(ctx context.Context, payload []byte, category string) error

	// CleanupOldMessages removes messages older than maxAge and reports
	// how many were removed.
	CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error)

	// Available reports whether the transport can currently accept
	// writes.
	Available() bool
}

// AsyncTransport is implemented by transports whose writes complete in
// the background. done is called exactly once, possibly from another
// goroutine.
type AsyncTransport interface {
	Transport
	WriteAsync(ctx context.Context, payload []byte, category string, done func(error))
}
