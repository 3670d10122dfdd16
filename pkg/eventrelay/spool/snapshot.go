package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
)

// Version is the current snapshot format version.
const Version = 1

// Snapshot is the persisted form of a stream's undelivered events or
// dead letters.
type Snapshot struct {
	Version int           `json:"version"`
	Stream  string        `json:"stream"`
	SavedAt time.Time     `json:"saved_at"`
	Events  []event.Event `json:"events,omitempty"`

	// DeadLetters holds encoded event.FailedBatch records.
	DeadLetters []json.RawMessage `json:"dead_letters,omitempty"`
}

// DeadLetterKey is the store key under which stream's dead letters are
// spooled.
func DeadLetterKey(stream string) string {
	return stream + ".dlq"
}

// SaveEvents spools events for stream. An empty slice deletes any
// existing entry instead.
func SaveEvents(store Store, stream string, events []event.Event) error {
	if len(events) == 0 {
		return store.Delete(stream)
	}
	return save(store, stream, Snapshot{Stream: stream, Events: events})
}

// LoadEvents returns the events spooled for stream, or nil if there are
// none. The entry is left in place; call Delete once the events are
// safely queued.
func LoadEvents(store Store, stream string) ([]event.Event, error) {
	snap, err := load(store, stream)
	if err != nil || snap == nil {
		return nil, err
	}
	return snap.Events, nil
}

// SaveDeadLetters spools stream's dead-lettered batches under
// DeadLetterKey. Batches that cannot be encoded are left out and counted
// in skipped. An empty slice deletes any existing entry.
func SaveDeadLetters(store Store, stream string, batches []*event.FailedBatch) (skipped int, err error) {
	key := DeadLetterKey(stream)
	encoded := make([]json.RawMessage, 0, len(batches))
	for _, fb := range batches {
		data, err := json.Marshal(fb)
		if err != nil {
			skipped++
			continue
		}
		encoded = append(encoded, data)
	}
	if len(encoded) == 0 {
		return skipped, store.Delete(key)
	}
	return skipped, save(store, key, Snapshot{Stream: stream, DeadLetters: encoded})
}

// LoadDeadLetters returns the batches spooled by SaveDeadLetters, or nil
// if there are none.
func LoadDeadLetters(store Store, stream string) ([]*event.FailedBatch, error) {
	snap, err := load(store, DeadLetterKey(stream))
	if err != nil || snap == nil {
		return nil, err
	}
	batches := make([]*event.FailedBatch, 0, len(snap.DeadLetters))
	for _, raw := range snap.DeadLetters {
		var fb event.FailedBatch
		if err := json.Unmarshal(raw, &fb); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		batches = append(batches, &fb)
	}
	return batches, nil
}

func save(store Store, key string, snap Snapshot) error {
	snap.Version = Version
	snap.SavedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode spool snapshot: %w", err)
	}
	return store.Save(key, data)
}

// load returns nil without error when key has no entry.
func load(store Store, key string) (*Snapshot, error) {
	data, err := store.Load(key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode spool snapshot: %w", err)
	}
	if snap.Version != Version {
		return nil, fmt.Errorf("spool snapshot version %d: unsupported", snap.Version)
	}
	return &snap, nil
}
