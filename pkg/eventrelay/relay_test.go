package eventrelay_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/config"
	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/spool"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/transport"
)

type relayFixture struct {
	relay *eventrelay.Relay
	mem   *transport.Memory
	clock *clock.FakeClock
}

func newRelay(t *testing.T, settings config.Settings, opts ...eventrelay.Option) relayFixture {
	t.Helper()
	clk := clock.Fake(t0)
	mem := transport.NewMemory(clk)
	opts = append([]eventrelay.Option{
		eventrelay.WithClock(clk),
		eventrelay.WithLogger(nil),
	}, opts...)
	r, err := eventrelay.New(settings, mem, opts...)
	require.NoError(t, err)
	return relayFixture{relay: r, mem: mem, clock: clk}
}

func (f relayFixture) tick(d time.Duration) {
	f.clock.Advance(d)
	f.relay.Tick(context.Background(), f.clock.Now())
}

func (f relayFixture) sent(t *testing.T) []message.Envelope[event.Batch] {
	t.Helper()
	var out []message.Envelope[event.Batch]
	for _, payload := range f.mem.Messages(message.MessageEventBatch.String()) {
		var env message.Envelope[event.Batch]
		require.NoError(t, message.JSONCodec{}.Unmarshal(payload, &env))
		out = append(out, env)
	}
	return out
}

func closeWithin(t *testing.T, r *eventrelay.Relay, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Close(ctx)
}

func TestRelay_DeliversBatchOnWindow(t *testing.T) {
	f := newRelay(t, config.Defaults())
	ctx := context.Background()

	f.relay.Emit(ctx, event.KindHandPlayed, map[string]any{"hand": "pair"})
	f.relay.Emit(ctx, event.KindCardsDiscarded, map[string]any{"count": 2})
	f.tick(50 * time.Millisecond)
	assert.Empty(t, f.sent(t))

	f.tick(50 * time.Millisecond)
	sent := f.sent(t)
	require.Len(t, sent, 1)

	env := sent[0]
	assert.Equal(t, message.EnvelopeVersion, env.Version)
	assert.Equal(t, uint64(1), env.SequenceID)
	assert.Equal(t, message.MessageEventBatch, env.MessageType)
	assert.NotEmpty(t, env.Data.ID)
	assert.Equal(t, "eventrelay", env.Data.Source)
	require.Len(t, env.Data.Events, 2)
	assert.Equal(t, event.KindHandPlayed, env.Data.Events[0].Type)

	stats := f.relay.Stats()
	assert.Equal(t, int64(1), stats.BatchesSent)
	assert.Equal(t, int64(2), stats.EventsSent)
	assert.Equal(t, uint64(1), stats.LastSequenceID)
	assert.Equal(t, "closed", stats.BreakerState)
}

func TestRelay_RetriesOnLaterTick(t *testing.T) {
	f := newRelay(t, config.Defaults())
	f.mem.FailNext(1, nil)

	f.relay.Emit(context.Background(), event.KindRoundComplete, nil, event.WithPriority(event.PriorityHigh))
	assert.Empty(t, f.sent(t))

	stats := f.relay.Stats()
	assert.True(t, stats.InFlight)
	assert.Equal(t, 1, stats.PendingRetries)

	f.tick(time.Second)
	require.Len(t, f.sent(t), 1)
	assert.Equal(t, uint64(2), f.sent(t)[0].SequenceID, "the failed attempt consumed sequence 1")

	stats = f.relay.Stats()
	assert.False(t, stats.InFlight)
	assert.Equal(t, 0, stats.QueueSize)
	assert.Equal(t, int64(1), stats.Scheduler.Retries)
}

func TestRelay_BreakerOpensThenRecovers(t *testing.T) {
	f := newRelay(t, config.Defaults())
	f.mem.FailAlways(nil)

	f.relay.Emit(context.Background(), event.KindError, "crash")
	for i := 0; i < 30 && f.relay.Stats().BreakerState != "open"; i++ {
		f.tick(time.Second)
	}

	stats := f.relay.Stats()
	require.Equal(t, "open", stats.BreakerState)
	assert.Equal(t, 3, stats.ConsecutiveFailures)
	assert.Equal(t, 1, stats.QueueSize, "rejected batch is requeued")
	assert.False(t, stats.InFlight)
	assert.Equal(t, int64(1), stats.Scheduler.Rejected)
	assert.Equal(t, 0, stats.DeadLetters.QueueSize)

	f.mem.Recover()
	f.tick(60 * time.Second)

	require.Len(t, f.sent(t), 1)
	stats = f.relay.Stats()
	assert.Equal(t, "closed", stats.BreakerState)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 0, stats.QueueSize)
}

func TestRelay_SerializationFailureDeadLetters(t *testing.T) {
	f := newRelay(t, config.Defaults())

	f.relay.Emit(context.Background(), event.KindHandPlayed, make(chan int), event.WithPriority(event.PriorityHigh))

	stats := f.relay.Stats()
	assert.Equal(t, 0, stats.QueueSize)
	assert.Equal(t, int64(1), stats.EventsDeadLettered)
	assert.Equal(t, 1, stats.DeadLetters.QueueSize)
	assert.Equal(t, 0, stats.ConsecutiveFailures, "permanent failures leave the breaker alone")
	assert.Empty(t, f.sent(t))

	failed := f.relay.DeadLetters().List(0)
	require.Len(t, failed, 1)
	assert.Equal(t, "permanent", failed[0].Category)
}

func TestRelay_CloseDrainsQueue(t *testing.T) {
	f := newRelay(t, config.Defaults())
	ctx := context.Background()

	for i := 0; i < 80; i++ {
		f.relay.Emit(ctx, event.KindHeartbeat, i)
	}
	require.NoError(t, f.relay.Close(ctx))

	sent := f.sent(t)
	require.Len(t, sent, 2)
	assert.Equal(t, 50, sent[0].Data.Len())
	assert.Equal(t, 30, sent[1].Data.Len())
	assert.True(t, f.relay.Stats().Closed)
}

func TestRelay_CloseTwice(t *testing.T) {
	f := newRelay(t, config.Defaults())
	ctx := context.Background()

	require.NoError(t, f.relay.Close(ctx))
	assert.ErrorIs(t, f.relay.Close(ctx), eventrelay.ErrClosed)

	f.relay.Emit(ctx, event.KindHeartbeat, nil)
	assert.Equal(t, int64(0), f.relay.Stats().EventsQueued)

	_, err := f.relay.SendActionResult(ctx, map[string]any{"ok": true})
	assert.ErrorIs(t, err, eventrelay.ErrClosed)
}

func TestRelay_SpoolsAndRestoresUndelivered(t *testing.T) {
	store := spool.NewMemoryStore()
	settings := config.Defaults()
	ctx := context.Background()

	first := newRelay(t, settings, eventrelay.WithSpool(store))
	first.mem.FailAlways(nil)
	first.relay.Emit(ctx, event.KindHandPlayed, "a", event.WithEventID("a"))
	first.relay.Emit(ctx, event.KindHandPlayed, "b", event.WithEventID("b"))
	require.NoError(t, closeWithin(t, first.relay, 50*time.Millisecond))

	spooled, err := spool.LoadEvents(store, settings.Stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(spooled))

	second := newRelay(t, settings, eventrelay.WithSpool(store))
	assert.Equal(t, []string{"a", "b"}, ids(second.relay.Queued()))

	_, err = store.Load(settings.Stream)
	assert.ErrorIs(t, err, spool.ErrNotFound, "restored events leave the spool")

	require.NoError(t, second.relay.Close(ctx))
	sent := second.sent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"a", "b"}, ids(sent[0].Data.Events))
}

func TestRelay_SpoolsDeadLetters(t *testing.T) {
	store := spool.NewMemoryStore()
	settings := config.Defaults()
	ctx := context.Background()

	first := newRelay(t, settings, eventrelay.WithSpool(store))
	first.mem.FailNext(1, relayerrors.Permanent(errors.New("schema rejected"), "ingest"))
	first.relay.Emit(ctx, event.KindHandPlayed, "a", event.WithEventID("a"), event.WithPriority(event.PriorityHigh))
	// Cannot be encoded, so it is dead-lettered but not spooled.
	first.relay.Emit(ctx, event.KindHandPlayed, make(chan int), event.WithPriority(event.PriorityHigh))
	require.Equal(t, 2, first.relay.DeadLetters().Len())
	require.NoError(t, first.relay.Close(ctx))

	second := newRelay(t, settings, eventrelay.WithSpool(store))
	restored := second.relay.DeadLetters().List(0)
	require.Len(t, restored, 1)
	assert.Equal(t, []string{"a"}, ids(restored[0].Batch.Events))
	assert.Equal(t, "permanent", restored[0].Category)
	assert.Zero(t, second.relay.Stats().QueueSize)

	_, err := store.Load(spool.DeadLetterKey(settings.Stream))
	assert.ErrorIs(t, err, spool.ErrNotFound, "restored dead letters leave the spool")
}

func TestRelay_SQLiteSpool(t *testing.T) {
	settings := config.Defaults()
	settings.SpoolPath = filepath.Join(t.TempDir(), "spool.db")
	ctx := context.Background()

	first := newRelay(t, settings)
	first.mem.SetAvailable(false)
	first.relay.Emit(ctx, event.KindRoundChanged, map[string]any{"ante": 2})
	require.NoError(t, closeWithin(t, first.relay, 50*time.Millisecond))

	second := newRelay(t, settings)
	assert.Equal(t, 1, second.relay.Stats().QueueSize)
	require.NoError(t, second.relay.Close(ctx))
	assert.Len(t, second.sent(t), 1)
}

func TestRelay_PollActions(t *testing.T) {
	f := newRelay(t, config.Defaults())
	ctx := context.Background()

	for i, name := range []string{"play_hand", "discard"} {
		payload, err := message.JSONCodec{}.Marshal(message.Envelope[map[string]any]{
			Version:     message.EnvelopeVersion,
			SequenceID:  uint64(i + 1),
			Timestamp:   t0.Format(message.TimestampFormat),
			MessageType: message.MessageAction,
			Data:        map[string]any{"action": name},
		})
		require.NoError(t, err)
		f.mem.Push(message.MessageAction.String(), payload)
	}

	actions, err := eventrelay.PollActions[map[string]any](ctx, f.relay, 1)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "play_hand", actions[0].Data["action"])

	actions, err = eventrelay.PollActions[map[string]any](ctx, f.relay, 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "discard", actions[0].Data["action"])

	actions, err = eventrelay.PollActions[map[string]any](ctx, f.relay, 0)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestRelay_SendActionResult(t *testing.T) {
	f := newRelay(t, config.Defaults())

	res, err := f.relay.SendActionResult(context.Background(), map[string]any{"action": "play_hand", "ok": true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.SequenceID)
	assert.Len(t, f.mem.Messages(message.MessageActionResult.String()), 1)
}

func TestRelay_Cleanup(t *testing.T) {
	f := newRelay(t, config.Defaults())
	f.mem.Push("action", []byte("stale"))
	f.clock.Advance(10 * time.Minute)
	f.mem.Push("action", []byte("fresh"))

	removed, err := f.relay.Cleanup(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestRelay_Run(t *testing.T) {
	f := newRelay(t, config.Defaults())
	ctx, cancel := context.WithCancel(context.Background())

	f.relay.Emit(ctx, event.KindHeartbeat, nil)

	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.clock.Advance(50 * time.Millisecond)
		return len(f.mem.Messages(message.MessageEventBatch.String())) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Validation(t *testing.T) {
	mem := transport.NewMemory(nil)

	_, err := eventrelay.New(config.Defaults(), nil)
	assert.Error(t, err)

	bad := config.Defaults()
	bad.MaxBatchSize = 0
	_, err = eventrelay.New(bad, mem)
	assert.Error(t, err)

	bad = config.Defaults()
	bad.Codec = "xml"
	_, err = eventrelay.New(bad, mem)
	assert.Error(t, err)
}

func TestNew_CorruptSpool(t *testing.T) {
	store := spool.NewMemoryStore()
	require.NoError(t, store.Save("events", []byte("not json")))

	_, err := eventrelay.New(config.Defaults(), transport.NewMemory(nil),
		eventrelay.WithSpool(store), eventrelay.WithLogger(nil))
	require.Error(t, err)
	assert.False(t, errors.Is(err, spool.ErrNotFound))
}
