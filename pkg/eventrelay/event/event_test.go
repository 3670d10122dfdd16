package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return base.Add(time.Duration(ms) * time.Millisecond)
}

func TestKind_RoundTrip(t *testing.T) {
	kinds := []event.Kind{
		event.KindGameState, event.KindHandPlayed, event.KindCardsDiscarded,
		event.KindJokersChanged, event.KindRoundChanged, event.KindPhaseChanged,
		event.KindRoundComplete, event.KindLearningDecision, event.KindHeartbeat,
		event.KindConnectionTest, event.KindError,
	}
	for _, k := range kinds {
		t.Run(k.String(), func(t *testing.T) {
			assert.Equal(t, k, event.ParseKind(k.String()))
		})
	}
}

func TestKind_Unknown(t *testing.T) {
	assert.Equal(t, event.KindUnknown, event.ParseKind("SHOP_REROLLED"))
	assert.Equal(t, "UNKNOWN", event.KindUnknown.String())
	assert.Equal(t, event.KindError, event.ParseKind("error"))
}

func TestEvent_JSON(t *testing.T) {
	evt := event.New(event.KindGameState, "BalatroMCP", map[string]any{"ante": 2},
		event.WithEventID("evt-1"),
		event.WithTimestamp(at(5)),
		event.WithScopeKey("F100"),
		event.WithPriority(event.PriorityHigh),
	)

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"GAME_STATE"`)
	assert.Contains(t, string(data), `"priority":"high"`)
	assert.Contains(t, string(data), `"scope_key":"F100"`)

	var decoded event.Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, event.KindGameState, decoded.Type)
	assert.Equal(t, event.PriorityHigh, decoded.Priority)
	assert.True(t, evt.Timestamp.Equal(decoded.Timestamp))
}

func TestEvent_UnknownTypeDecodes(t *testing.T) {
	var decoded event.Event
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","type":"SOMETHING_NEW","priority":"urgent"}`), &decoded))
	assert.Equal(t, event.KindUnknown, decoded.Type)
	assert.Equal(t, event.PriorityNormal, decoded.Priority)
}

func TestNew_Defaults(t *testing.T) {
	before := time.Now()
	evt := event.New(event.KindHeartbeat, "host", nil)

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, event.PriorityNormal, evt.Priority)
	assert.False(t, evt.Timestamp.Before(before))
}

func snapshot(id, scope string, ms int) event.Event {
	return event.New(event.KindGameState, "host", nil,
		event.WithEventID(id), event.WithScopeKey(scope), event.WithTimestamp(at(ms)))
}

func plain(id string, kind event.Kind, ms int) event.Event {
	return event.New(kind, "host", nil, event.WithEventID(id), event.WithTimestamp(at(ms)))
}

func ids(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestAggregate_DeduplicatesSnapshotsPerScope(t *testing.T) {
	var events []event.Event
	for i := 0; i < 5; i++ {
		events = append(events, snapshot("f100-"+string(rune('a'+i)), "F100", i*10))
	}
	for i := 0; i < 3; i++ {
		events = append(events, snapshot("f101-"+string(rune('a'+i)), "F101", 100+i*10))
	}
	events = append(events, plain("hand", event.KindHandPlayed, 15))
	events = append(events, plain("discard", event.KindCardsDiscarded, 105))

	got := event.Aggregate(events, event.DefaultRegistry())

	assert.Equal(t, []string{"hand", "f100-e", "discard", "f101-c"}, ids(got))
}

func TestAggregate_SortsByTimestamp(t *testing.T) {
	events := []event.Event{
		plain("c", event.KindHandPlayed, 30),
		plain("a", event.KindHandPlayed, 10),
		plain("b", event.KindJokersChanged, 20),
	}
	got := event.Aggregate(events, nil)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))

	// Input untouched.
	assert.Equal(t, []string{"c", "a", "b"}, ids(events))
}

func TestAggregate_TiesKeepOrder(t *testing.T) {
	events := []event.Event{
		plain("first", event.KindHandPlayed, 10),
		snapshot("snap-old", "F1", 10),
		plain("second", event.KindHandPlayed, 10),
		snapshot("snap-new", "F1", 10),
	}
	got := event.Aggregate(events, nil)

	// Snapshots are placed ahead of plain events before the stable sort.
	assert.Equal(t, []string{"snap-new", "first", "second"}, ids(got))
}

func TestAggregate_OlderSnapshotArrivingLateLoses(t *testing.T) {
	events := []event.Event{
		snapshot("newer", "F9", 50),
		snapshot("older", "F9", 40),
	}
	got := event.Aggregate(events, nil)
	assert.Equal(t, []string{"newer"}, ids(got))
}

func TestAggregate_Empty(t *testing.T) {
	assert.Empty(t, event.Aggregate(nil, nil))
}

func TestNewBatch(t *testing.T) {
	batch := event.NewBatch("BalatroMCP", []event.Event{
		snapshot("s1", "F1", 1),
		snapshot("s2", "F1", 2),
	}, nil)

	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, "BalatroMCP", batch.Source)
	assert.Equal(t, 1, batch.Len())

	data, err := json.Marshal(batch)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"batch_id"`)
	assert.Contains(t, string(data), `"events"`)
}
