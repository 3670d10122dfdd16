package message_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/transport"
)

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC)

func newCoordinator(t *testing.T, opts ...message.CoordinatorOption) (*message.Coordinator, *transport.Memory) {
	t.Helper()
	clk := clock.Fake(epoch)
	mem := transport.NewMemory(clk)
	opts = append([]message.CoordinatorOption{message.WithClock(clk)}, opts...)
	return message.NewCoordinator(mem, opts...), mem
}

func decodeSent(t *testing.T, mem *transport.Memory, index int) message.Envelope[map[string]any] {
	t.Helper()
	sent := mem.Messages("event_batch")
	require.Greater(t, len(sent), index)
	var env message.Envelope[map[string]any]
	require.NoError(t, message.JSONCodec{}.Unmarshal(sent[index], &env))
	return env
}

func TestCoordinator_Send(t *testing.T) {
	c, mem := newCoordinator(t)

	res, err := c.Send(context.Background(), map[string]any{"batch_id": "b-1"}, message.MessageEventBatch)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.SequenceID)
	assert.Positive(t, res.Bytes)

	env := decodeSent(t, mem, 0)
	assert.Equal(t, message.EnvelopeVersion, env.Version)
	assert.Equal(t, uint64(1), env.SequenceID)
	assert.Equal(t, "2024-01-02T03:04:05.678Z", env.Timestamp)
	assert.Equal(t, message.MessageEventBatch, env.MessageType)
	assert.Equal(t, "b-1", env.Data["batch_id"])
}

func TestCoordinator_SequenceConsumedOnFailure(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()

	mem.FailNext(1, errors.New("disk full"))
	res, err := c.Send(ctx, map[string]any{"n": "1"}, message.MessageEventBatch)
	require.Error(t, err)
	assert.Equal(t, uint64(1), res.SequenceID)
	assert.True(t, relayerrors.IsRetryable(err))

	res, err = c.Send(ctx, map[string]any{"n": "2"}, message.MessageEventBatch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.SequenceID)
	assert.Equal(t, uint64(2), c.LastSequence())

	env := decodeSent(t, mem, 0)
	assert.Equal(t, uint64(2), env.SequenceID)
}

func TestCoordinator_SequenceStrictlyIncreasing(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	var last uint64
	for i := range 20 {
		res, err := c.Send(ctx, i, message.MessageEvent)
		require.NoError(t, err)
		assert.Greater(t, res.SequenceID, last)
		last = res.SequenceID
	}
}

func TestCoordinator_SerializationFailure(t *testing.T) {
	c, mem := newCoordinator(t)

	_, err := c.Send(context.Background(), make(chan int), message.MessageEventBatch)
	var serErr *relayerrors.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, "event_batch", serErr.MessageType)
	assert.Equal(t, "json", serErr.Codec)
	assert.True(t, relayerrors.IsPermanent(err))
	assert.Zero(t, mem.Writes())
	assert.Equal(t, uint64(1), c.LastSequence())
}

func TestCoordinator_Unavailable(t *testing.T) {
	c, mem := newCoordinator(t)
	mem.SetAvailable(false)

	_, err := c.Send(context.Background(), "x", message.MessageEventBatch)
	var transportErr *relayerrors.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, transportErr.Unavailable)
	assert.True(t, relayerrors.IsRetryable(err))
	assert.Zero(t, mem.Writes())
	assert.False(t, c.Available())
}

func TestCoordinator_VerifyFailure(t *testing.T) {
	c, mem := newCoordinator(t)
	mem.DropWrites(true)

	_, err := c.Send(context.Background(), "x", message.MessageEventBatch)
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrVerifyMismatch)

	var transportErr *relayerrors.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "verify", transportErr.Op)
}

func TestCoordinator_CBOR(t *testing.T) {
	c, mem := newCoordinator(t, message.WithCodec(message.CBORCodec{}))

	_, err := c.Send(context.Background(), map[string]any{"k": "v"}, message.MessageEventBatch)
	require.NoError(t, err)

	var env message.Envelope[map[string]any]
	require.NoError(t, message.CBORCodec{}.Unmarshal(mem.Messages("event_batch")[0], &env))
	assert.Equal(t, "v", env.Data["k"])
	assert.Equal(t, "cbor", c.Codec().Name())
}

func TestCoordinator_SendAsync_SyncTransport(t *testing.T) {
	c, _ := newCoordinator(t)

	called := false
	c.SendAsync(context.Background(), "x", message.MessageEventBatch, func(res message.SendResult, err error) {
		called = true
		assert.NoError(t, err)
		assert.Equal(t, uint64(1), res.SequenceID)
	})
	assert.True(t, called, "sync transport must complete before SendAsync returns")
}

// asyncMemory adds background writes to the in-memory transport.
type asyncMemory struct {
	*transport.Memory
}

func (a asyncMemory) WriteAsync(ctx context.Context, payload []byte, category string, done func(error)) {
	go func() {
		done(a.Write(ctx, payload, category))
	}()
}

func TestCoordinator_SendAsync_AsyncTransport(t *testing.T) {
	mem := transport.NewMemory(nil)
	c := message.NewCoordinator(asyncMemory{mem})

	results := make(chan error, 2)
	done := func(_ message.SendResult, err error) { results <- err }

	c.SendAsync(context.Background(), "ok", message.MessageEventBatch, done)
	require.NoError(t, waitResult(t, results))

	mem.FailNext(1, errors.New("timeout"))
	c.SendAsync(context.Background(), "fail", message.MessageEventBatch, done)
	err := waitResult(t, results)
	require.Error(t, err)
	assert.True(t, relayerrors.IsRetryable(err))
	assert.Equal(t, uint64(2), c.LastSequence())
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("async send did not complete")
		return nil
	}
}

func TestRead(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()

	payload, err := message.JSONCodec{}.Marshal(message.Envelope[map[string]any]{
		Version:     1,
		SequenceID:  99,
		Timestamp:   "2024-01-02T03:04:05.678Z",
		MessageType: message.MessageAction,
		Data:        map[string]any{"action": "play_hand"},
	})
	require.NoError(t, err)
	mem.Push("action", payload)

	env, ok, err := message.Read[map[string]any](ctx, c, message.MessageAction)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(99), env.SequenceID)
	assert.Equal(t, "play_hand", env.Data["action"])

	_, ok, err = message.Read[map[string]any](ctx, c, message.MessageAction)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRead_Malformed(t *testing.T) {
	c, mem := newCoordinator(t)
	mem.Push("action", []byte("{not json"))

	_, ok, err := message.Read[map[string]any](context.Background(), c, message.MessageAction)
	assert.False(t, ok)
	var serErr *relayerrors.SerializationError
	assert.ErrorAs(t, err, &serErr)
}

func TestCoordinator_Cleanup(t *testing.T) {
	clk := clock.Fake(epoch)
	mem := transport.NewMemory(clk)
	c := message.NewCoordinator(mem, message.WithClock(clk))

	_, err := c.Send(context.Background(), "old", message.MessageEventBatch)
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)

	removed, err := c.Cleanup(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
