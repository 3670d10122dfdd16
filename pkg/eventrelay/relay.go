package eventrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/config"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/observability"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/retry"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/spool"
)

// ErrClosed is returned by operations on a closed Relay.
var ErrClosed = errors.New("relay closed")

// Relay wires an Aggregator to a Coordinator through a retry Scheduler
// and drives them from the host's tick.
type Relay struct {
	settings    config.Settings
	coordinator *message.Coordinator
	scheduler   *retry.Scheduler
	aggregator  *Aggregator
	deadLetters *event.DeadLetterQueue

	store     spool.Store
	ownsStore bool

	clock  clock.Clock
	logger *slog.Logger

	closed atomic.Bool
}

// New builds a relay that delivers through transport. Events spooled by
// a previous relay on the same stream are restored to the head of the
// queue.
func New(settings config.Settings, transport message.Transport, opts ...Option) (*Relay, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	cfg := defaultRelayConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	codec := cfg.codec
	if codec == nil {
		var err error
		if codec, err = message.CodecByName(settings.Codec); err != nil {
			return nil, err
		}
	}

	logger := observability.EnrichLogger(cfg.logger, settings.Source)

	store, owns := cfg.spool, false
	if store == nil {
		owns = true
		if settings.SpoolPath != "" {
			sqlite, err := spool.NewSQLiteStore(settings.SpoolPath)
			if err != nil {
				return nil, err
			}
			store = sqlite
		} else {
			store = spool.NewMemoryStore()
		}
	}

	coordinator := message.NewCoordinator(transport,
		message.WithCodec(codec),
		message.WithClock(cfg.clock),
		message.WithLogger(logger),
	)
	scheduler := retry.NewScheduler(settings.RetryConfig(),
		retry.WithClock(cfg.clock),
		retry.WithLogger(logger),
		retry.WithMetrics(cfg.metrics),
		retry.WithSpanManager(cfg.spans),
	)
	deadLetters := event.NewDeadLetterQueue(event.DLQConfig{
		MaxSize: settings.DLQSize,
		OnEnqueue: func(fb *event.FailedBatch) {
			logger.Warn("batch dead-lettered",
				slog.String("batch_id", fb.Batch.ID),
				slog.Int("events", fb.Batch.Len()),
				slog.String("error", fb.ErrorMessage),
			)
		},
	})

	deliverer := &schedulerDeliverer{
		coordinator: coordinator,
		scheduler:   scheduler,
		logger:      logger,
		metrics:     cfg.metrics,
		spans:       cfg.spans,
	}
	aggregator := NewAggregator(AggregatorConfig{
		BatchWindow:  settings.BatchWindow,
		MaxBatchSize: settings.MaxBatchSize,
		DropCount:    settings.DropCount,
		Source:       settings.Source,
		Registry:     cfg.registry,
		DeadLetters:  deadLetters,
		Clock:        cfg.clock,
		Logger:       logger,
		Metrics:      cfg.metrics,
	}, deliverer)

	r := &Relay{
		settings:    settings,
		coordinator: coordinator,
		scheduler:   scheduler,
		aggregator:  aggregator,
		deadLetters: deadLetters,
		store:       store,
		ownsStore:   owns,
		clock:       cfg.clock,
		logger:      logger,
	}
	if err := r.restore(); err != nil {
		if owns {
			_ = store.Close()
		}
		return nil, err
	}
	return r, nil
}

func (r *Relay) restore() error {
	stream := r.settings.Stream
	events, err := spool.LoadEvents(r.store, stream)
	if err != nil {
		observability.LogSpool(r.logger, "restore", stream, 0, err)
		return fmt.Errorf("restore spooled events: %w", err)
	}
	if len(events) > 0 {
		r.aggregator.Restore(events)
		err = r.store.Delete(stream)
		observability.LogSpool(r.logger, "restore", stream, len(events), err)
		if err != nil {
			return fmt.Errorf("clear spooled events: %w", err)
		}
	}

	dlqKey := spool.DeadLetterKey(stream)
	failed, err := spool.LoadDeadLetters(r.store, stream)
	if err != nil {
		observability.LogSpool(r.logger, "restore", dlqKey, 0, err)
		return fmt.Errorf("restore dead letters: %w", err)
	}
	if len(failed) == 0 {
		return nil
	}
	r.deadLetters.Restore(failed)
	err = r.store.Delete(dlqKey)
	observability.LogSpool(r.logger, "restore", dlqKey, len(failed), err)
	if err != nil {
		return fmt.Errorf("clear dead letters: %w", err)
	}
	return nil
}

// Settings returns the relay's settings.
func (r *Relay) Settings() config.Settings {
	return r.settings
}

// DeadLetters returns the queue of permanently failed batches.
func (r *Relay) DeadLetters() *event.DeadLetterQueue {
	return r.deadLetters
}

// Queued returns a copy of the events waiting to be flushed.
func (r *Relay) Queued() []event.Event {
	return r.aggregator.Queued()
}

// Enqueue hands an event to the aggregator. Events enqueued after Close
// are discarded. Cancelling ctx does not abandon deliveries it starts.
func (r *Relay) Enqueue(ctx context.Context, evt event.Event) {
	if r.closed.Load() {
		r.logger.Debug("event discarded after close", slog.String("type", evt.Type.String()))
		return
	}
	r.aggregator.Enqueue(context.WithoutCancel(ctx), evt)
}

// Emit creates an event stamped with the relay's source and clock and
// enqueues it.
func (r *Relay) Emit(ctx context.Context, kind event.Kind, payload any, opts ...event.Option) event.Event {
	opts = append([]event.Option{event.WithTimestamp(r.clock.Now())}, opts...)
	evt := event.New(kind, r.settings.Source, payload, opts...)
	r.Enqueue(ctx, evt)
	return evt
}

// Tick advances the relay to now: parked retries resume first, then the
// aggregator flushes if its window has elapsed. Hosts call it once per
// frame.
func (r *Relay) Tick(ctx context.Context, now time.Time) {
	if r.closed.Load() {
		return
	}
	r.scheduler.Tick(now)
	r.aggregator.Tick(context.WithoutCancel(ctx), now)
}

// Run calls Tick every TickInterval until ctx is done. It is for hosts
// without a frame loop of their own.
func (r *Relay) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.Tick(ctx, now)
		}
	}
}

// Close drains the queue until it is empty or ctx is done, cancels
// parked retries and spools whatever is left for the next relay on the
// same stream, dead letters included. Dead letters whose payload cannot
// be encoded are not spooled. Only the first call has any effect.
func (r *Relay) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	elapsed := observability.TimedOperation()
	r.drain(ctx)
	r.scheduler.Shutdown()

	stream := r.settings.Stream
	leftovers := r.aggregator.Queued()
	err := spool.SaveEvents(r.store, stream, leftovers)
	if len(leftovers) > 0 || err != nil {
		observability.LogSpool(r.logger, "save", stream, len(leftovers), err)
	}

	failed := r.deadLetters.List(0)
	skipped, dlqErr := spool.SaveDeadLetters(r.store, stream, failed)
	if len(failed) > 0 || dlqErr != nil {
		observability.LogSpool(r.logger, "save", spool.DeadLetterKey(stream), len(failed)-skipped, dlqErr)
	}
	if skipped > 0 {
		r.logger.Warn("dead letters not spooled", slog.Int("batches", skipped))
	}
	err = errors.Join(err, dlqErr)
	r.logger.Info("relay closed",
		slog.Duration("drain", elapsed()),
		slog.Int("undelivered", len(leftovers)),
	)
	if r.ownsStore {
		err = errors.Join(err, r.store.Close())
	}
	if err != nil {
		return fmt.Errorf("spool undelivered events: %w", err)
	}
	return nil
}

// drain flushes and ticks until nothing is queued or in flight. Deliveries
// outlive ctx; only the wait is bounded by it.
func (r *Relay) drain(ctx context.Context) {
	deliverCtx := context.WithoutCancel(ctx)
	r.aggregator.FlushAll(deliverCtx)
	if r.settled() {
		return
	}

	ticker := r.clock.NewTicker(r.settings.TickInterval)
	defer ticker.Stop()
	for !r.settled() {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.scheduler.Tick(now)
			r.aggregator.FlushAll(deliverCtx)
		}
	}
}

func (r *Relay) settled() bool {
	return r.aggregator.QueueSize() == 0 && !r.aggregator.InFlight()
}

// PollActions reads up to limit inbound action envelopes, stopping early
// when none are waiting. A limit <= 0 reads until the transport is empty.
func PollActions[T any](ctx context.Context, r *Relay, limit int) ([]message.Envelope[T], error) {
	var actions []message.Envelope[T]
	for limit <= 0 || len(actions) < limit {
		env, ok, err := message.Read[T](ctx, r.coordinator, message.MessageAction)
		if err != nil {
			return actions, err
		}
		if !ok {
			break
		}
		actions = append(actions, env)
	}
	return actions, nil
}

// SendActionResult reports the outcome of an action. It is sent once,
// without retries.
func (r *Relay) SendActionResult(ctx context.Context, result any) (message.SendResult, error) {
	if r.closed.Load() {
		return message.SendResult{}, ErrClosed
	}
	return r.coordinator.Send(ctx, result, message.MessageActionResult)
}

// Cleanup removes transport messages older than maxAge.
func (r *Relay) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	return r.coordinator.Cleanup(ctx, maxAge)
}
