package event

import (
	"fmt"
	"sort"
	"sync"
)

// Schema describes how the relay treats one event kind.
type Schema struct {
	// Kind is the event kind the schema applies to.
	Kind Kind

	// Snapshot marks state-snapshot kinds. Snapshots are deduplicated
	// per scope key at flush time; only the newest survives.
	Snapshot bool

	// FlushImmediately makes every event of this kind trigger a flush
	// of the whole queue, as if it had high priority.
	FlushImmediately bool

	// Description explains the event's purpose.
	Description string
}

// Registry maps event kinds to their schemas.
// Kinds without a schema are plain, non-snapshot events.
type Registry struct {
	mu      sync.RWMutex
	schemas map[Kind]Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[Kind]Schema),
	}
}

// DefaultRegistry returns a new registry preloaded with the built-in
// kinds: GAME_STATE is the snapshot kind and ERROR flushes immediately.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, schema := range builtinSchemas {
		r.schemas[schema.Kind] = schema
	}
	return r
}

var builtinSchemas = []Schema{
	{Kind: KindGameState, Snapshot: true, Description: "full game state snapshot, one per frame"},
	{Kind: KindHandPlayed, Description: "a hand was played"},
	{Kind: KindCardsDiscarded, Description: "cards were discarded"},
	{Kind: KindJokersChanged, Description: "joker lineup changed"},
	{Kind: KindRoundChanged, Description: "ante or round advanced"},
	{Kind: KindPhaseChanged, Description: "game phase transition"},
	{Kind: KindRoundComplete, Description: "round finished with score"},
	{Kind: KindLearningDecision, Description: "decision point awaiting an action"},
	{Kind: KindHeartbeat, Description: "periodic liveness signal"},
	{Kind: KindConnectionTest, Description: "connectivity probe"},
	{Kind: KindError, FlushImmediately: true, Description: "host-side error report"},
}

// Register adds or replaces the schema for a kind.
func (r *Registry) Register(schema Schema) error {
	if schema.Kind == KindUnknown {
		return fmt.Errorf("cannot register schema for %s", KindUnknown)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Kind] = schema
	return nil
}

// Lookup returns the schema for a kind.
func (r *Registry) Lookup(kind Kind) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[kind]
	return schema, ok
}

// IsSnapshot reports whether events of this kind are deduplicated per
// scope key.
func (r *Registry) IsSnapshot(kind Kind) bool {
	schema, ok := r.Lookup(kind)
	return ok && schema.Snapshot
}

// ForcesFlush reports whether events of this kind flush the queue on
// arrival.
func (r *Registry) ForcesFlush(kind Kind) bool {
	schema, ok := r.Lookup(kind)
	return ok && schema.FlushImmediately
}

// Kinds returns all registered kinds in ascending order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
