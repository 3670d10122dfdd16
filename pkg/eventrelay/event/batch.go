package event

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Batch is the unit of delivery: an ordered group of events flushed
// together. The JSON shape matches what the ingestion endpoint expects
// on /api/v1/events/batch.
type Batch struct {
	ID     string  `json:"batch_id" msgpack:"batch_id" cbor:"batch_id"`
	Source string  `json:"source,omitempty" msgpack:"source,omitempty" cbor:"source,omitempty"`
	Events []Event `json:"events" msgpack:"events" cbor:"events"`
}

// NewBatch aggregates events into a new batch with a fresh ID.
// The input slice is not modified.
func NewBatch(source string, events []Event, registry *Registry) Batch {
	return Batch{
		ID:     uuid.New().String(),
		Source: source,
		Events: Aggregate(events, registry),
	}
}

// Len returns the number of events in the batch.
func (b Batch) Len() int {
	return len(b.Events)
}

// Aggregate deduplicates snapshot events and orders the result by
// timestamp.
//
// Snapshot-scope events (per the registry) are grouped by kind and scope
// key and only the one with the greatest timestamp survives; on a timestamp tie
// the later-enqueued event wins. Non-snapshot events pass through
// untouched. The combined result is stably sorted ascending by
// timestamp, so events with equal timestamps keep their relative order.
func Aggregate(events []Event, registry *Registry) []Event {
	if registry == nil {
		registry = defaultRegistry()
	}

	latest := make(map[snapshotKey]int)
	var keyOrder []snapshotKey
	others := make([]Event, 0, len(events))

	for i, evt := range events {
		if !registry.IsSnapshot(evt.Type) {
			others = append(others, evt)
			continue
		}
		key := snapshotKey{kind: evt.Type, scope: evt.ScopeKey}
		prev, seen := latest[key]
		if !seen {
			keyOrder = append(keyOrder, key)
			latest[key] = i
			continue
		}
		if !evt.Timestamp.Before(events[prev].Timestamp) {
			latest[key] = i
		}
	}

	result := make([]Event, 0, len(keyOrder)+len(others))
	for _, key := range keyOrder {
		result = append(result, events[latest[key]])
	}
	result = append(result, others...)

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

type snapshotKey struct {
	kind  Kind
	scope string
}

// defaultRegistry is the read-only fallback used when Aggregate is
// called without a registry.
var defaultRegistry = sync.OnceValue(DefaultRegistry)
