package message

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/observability"
)

// SendResult describes a successful send.
type SendResult struct {
	SequenceID uint64
	Bytes      int
}

// Coordinator builds envelopes, serializes them and hands them to the
// transport. It never retries: a failed send is reported once and the
// retry scheduler decides what happens next.
type Coordinator struct {
	transport Transport
	codec     Codec
	sequence  Sequencer
	clock     clock.Clock
	logger    *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCodec sets the envelope codec (default: JSON).
func WithCodec(codec Codec) CoordinatorOption {
	return func(c *Coordinator) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithClock sets the clock used to stamp envelopes.
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator for the given transport.
func NewCoordinator(transport Transport, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		transport: transport,
		codec:     JSONCodec{},
		clock:     clock.Real(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Codec returns the envelope codec.
func (c *Coordinator) Codec() Codec {
	return c.codec
}

// LastSequence returns the last sequence id issued, including ids of
// sends that failed.
func (c *Coordinator) LastSequence() uint64 {
	return c.sequence.Last()
}

// Available reports whether the transport can accept writes.
func (c *Coordinator) Available() bool {
	return c.transport.Available()
}

// encode assigns the next sequence id and serializes the envelope. The
// id is consumed even when encoding fails.
func (c *Coordinator) encode(data any, mt MessageType) ([]byte, uint64, error) {
	env := Envelope[any]{
		Version:     EnvelopeVersion,
		SequenceID:  c.sequence.Next(),
		Timestamp:   c.clock.Now().UTC().Format(TimestampFormat),
		MessageType: mt,
		Data:        data,
	}

	payload, err := c.codec.Marshal(env)
	if err != nil {
		serErr := &relayerrors.SerializationError{
			MessageType: mt.String(),
			Codec:       c.codec.Name(),
			Err:         err,
		}
		observability.LogSerializationFailure(c.logger, mt.String(), env.SequenceID, serErr)
		return nil, env.SequenceID, serErr
	}
	return payload, env.SequenceID, nil
}

// Send delivers data synchronously: encode, write, then verify.
func (c *Coordinator) Send(ctx context.Context, data any, mt MessageType) (SendResult, error) {
	payload, seq, err := c.encode(data, mt)
	if err != nil {
		return SendResult{SequenceID: seq}, err
	}

	category := mt.String()
	if !c.transport.Available() {
		return SendResult{SequenceID: seq}, &relayerrors.TransportError{
			Op: "write", Category: category, Unavailable: true,
		}
	}

	if err := c.transport.Write(ctx, payload, category); err != nil {
		return SendResult{SequenceID: seq}, wrapTransport("write", category, err)
	}
	if err := c.transport.Verify(ctx, payload, category); err != nil {
		return SendResult{SequenceID: seq}, wrapTransport("verify", category, err)
	}

	c.logger.Debug("envelope sent",
		slog.Uint64("sequence_id", seq),
		slog.String("message_type", category),
		slog.Int("size_bytes", len(payload)),
	)
	return SendResult{SequenceID: seq, Bytes: len(payload)}, nil
}

// SendAsync delivers data without blocking on the transport when the
// transport supports it; done is then called from the transport's
// goroutine. With a synchronous transport it behaves like Send and
// calls done before returning.
func (c *Coordinator) SendAsync(ctx context.Context, data any, mt MessageType, done func(SendResult, error)) {
	async, ok := c.transport.(AsyncTransport)
	if !ok {
		done(c.Send(ctx, data, mt))
		return
	}

	payload, seq, err := c.encode(data, mt)
	if err != nil {
		done(SendResult{SequenceID: seq}, err)
		return
	}

	category := mt.String()
	if !async.Available() {
		done(SendResult{SequenceID: seq}, &relayerrors.TransportError{
			Op: "write", Category: category, Unavailable: true,
		})
		return
	}

	async.WriteAsync(ctx, payload, category, func(err error) {
		if err != nil {
			done(SendResult{SequenceID: seq}, wrapTransport("write", category, err))
			return
		}
		done(SendResult{SequenceID: seq, Bytes: len(payload)}, nil)
	})
}

// Read fetches and decodes the next inbound envelope of type mt.
// ok is false when the transport has nothing waiting.
func Read[T any](ctx context.Context, c *Coordinator, mt MessageType) (env Envelope[T], ok bool, err error) {
	category := mt.String()
	payload, err := c.transport.Read(ctx, category)
	if errors.Is(err, ErrNoData) {
		return env, false, nil
	}
	if err != nil {
		return env, false, wrapTransport("read", category, err)
	}

	if err := c.codec.Unmarshal(payload, &env); err != nil {
		return env, false, &relayerrors.SerializationError{
			MessageType: category,
			Codec:       c.codec.Name(),
			Err:         err,
		}
	}
	return env, true, nil
}

// Cleanup removes transport messages older than maxAge.
func (c *Coordinator) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	removed, err := c.transport.CleanupOldMessages(ctx, maxAge)
	if err != nil {
		return removed, wrapTransport("cleanup", "", err)
	}
	return removed, nil
}

// wrapTransport keeps already-classified errors intact and wraps the
// rest in a TransportError.
func wrapTransport(op, category string, err error) error {
	var httpErr *relayerrors.HTTPError
	var transportErr *relayerrors.TransportError
	if errors.As(err, &httpErr) || errors.As(err, &transportErr) {
		return err
	}
	return &relayerrors.TransportError{Op: op, Category: category, Err: err}
}
