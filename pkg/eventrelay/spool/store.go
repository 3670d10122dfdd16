// Package spool parks undelivered events across process restarts.
//
// At shutdown the relay saves whatever it could not deliver under its
// stream name; at startup it loads and deletes that entry and puts the
// events back at the head of the queue.
package spool

import (
	"errors"
	"time"
)

// Store persists one payload per stream.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores data for stream, replacing any previous entry.
	Save(stream string, data []byte) error

	// Load retrieves the entry for stream.
	// Returns ErrNotFound if there is none.
	Load(stream string) ([]byte, error)

	// List describes every stored entry, oldest first.
	List() ([]Info, error)

	// Delete removes the entry for stream.
	// Returns nil if there is none.
	Delete(stream string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Info describes a stored entry without loading it.
type Info struct {
	Stream  string
	SavedAt time.Time
	Size    int64
}

// Sentinel errors for spool operations.
var (
	// ErrNotFound indicates nothing is spooled for a stream.
	ErrNotFound = errors.New("spool entry not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("spool store closed")
)
