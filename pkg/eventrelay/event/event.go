// Package event defines the records the relay batches and delivers:
// events, batches, the kind registry that drives aggregation, and the
// dead-letter queue for batches that can never be delivered.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single timestamped record produced by the host.
// Events are immutable once enqueued; the aggregator owns them until
// they are flushed.
type Event struct {
	ID        string    `json:"id" msgpack:"id" cbor:"id"`
	Type      Kind      `json:"type" msgpack:"type" cbor:"type"`
	Source    string    `json:"source" msgpack:"source" cbor:"source"`
	Priority  Priority  `json:"priority" msgpack:"priority" cbor:"priority"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp" cbor:"timestamp"`

	// ScopeKey groups snapshot events (for example a frame id). Only the
	// newest snapshot per key survives aggregation.
	ScopeKey string `json:"scope_key,omitempty" msgpack:"scope_key,omitempty" cbor:"scope_key,omitempty"`

	Payload any `json:"payload,omitempty" msgpack:"payload,omitempty" cbor:"payload,omitempty"`
}

// Option configures event creation.
type Option func(*Event)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// WithPriority sets the event priority.
func WithPriority(p Priority) Option {
	return func(e *Event) {
		e.Priority = p
	}
}

// WithScopeKey sets the snapshot scope key.
func WithScopeKey(key string) Option {
	return func(e *Event) {
		e.ScopeKey = key
	}
}

// New creates an event of the given kind.
func New(kind Kind, source string, payload any, opts ...Option) Event {
	evt := Event{
		ID:        uuid.New().String(),
		Type:      kind,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(&evt)
	}
	return evt
}
