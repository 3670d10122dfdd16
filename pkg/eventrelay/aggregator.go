package eventrelay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/observability"
)

// Deliverer hands a batch to the delivery pipeline. Exactly one of
// onSuccess or onFailure is called, either before Deliver returns or
// later from a tick.
type Deliverer interface {
	Deliver(ctx context.Context, batch event.Batch, onSuccess func(), onFailure func(error))
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, batch event.Batch, onSuccess func(), onFailure func(error))

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, batch event.Batch, onSuccess func(), onFailure func(error)) {
	f(ctx, batch, onSuccess, onFailure)
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// BatchWindow is how long events may wait before Tick flushes them.
	// Default: 100ms
	BatchWindow time.Duration

	// MaxBatchSize caps the events taken per flush. The queue holds at
	// most twice this many.
	// Default: 50
	MaxBatchSize int

	// DropCount is how many of the oldest events are evicted when the
	// queue is full.
	// Default: 10
	DropCount int

	// Source is stamped on every batch.
	Source string

	// Registry decides which kinds are snapshots and which force a flush.
	// Default: event.DefaultRegistry()
	Registry *event.Registry

	// DeadLetters receives batches that fail permanently. When nil those
	// batches are dropped after logging.
	DeadLetters *event.DeadLetterQueue

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// DefaultAggregatorConfig provides reasonable defaults.
var DefaultAggregatorConfig = AggregatorConfig{
	BatchWindow:  100 * time.Millisecond,
	MaxBatchSize: 50,
	DropCount:    10,
}

// AggregatorStats is a snapshot of aggregator counters.
type AggregatorStats struct {
	EventsQueued       int64 `json:"events_queued"`
	BatchesSent        int64 `json:"batches_sent"`
	BatchesFailed      int64 `json:"batches_failed"`
	EventsSent         int64 `json:"events_sent"`
	EventsDropped      int64 `json:"events_dropped"`
	EventsDeadLettered int64 `json:"events_dead_lettered"`
	QueueSize          int   `json:"queue_size"`
	InFlight           bool  `json:"in_flight"`
}

const (
	reasonWindow   = "window"
	reasonPriority = "priority"
	reasonDrain    = "drain"
	reasonManual   = "manual"
)

// Aggregator buffers events and flushes them as batches, either when the
// batch window elapses or immediately for high-priority events.
//
// At most one batch is in flight at a time. While it is, further flushes
// are deferred; a deferred priority flush runs as soon as the in-flight
// batch resolves. A batch that fails transiently is put back at the head
// of the queue exactly as it was taken, before aggregation; if that
// overflows the queue, the newest events are dropped instead.
type Aggregator struct {
	cfg       AggregatorConfig
	deliverer Deliverer

	mu        sync.Mutex
	queue     []event.Event
	lastFlush time.Time
	inFlight  bool

	// pendingPriority continues a priority flush once the in-flight
	// batch resolves.
	pendingPriority bool

	stats AggregatorStats
}

// NewAggregator creates an aggregator that hands batches to deliverer.
func NewAggregator(cfg AggregatorConfig, deliverer Deliverer) *Aggregator {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = DefaultAggregatorConfig.BatchWindow
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultAggregatorConfig.MaxBatchSize
	}
	if cfg.DropCount <= 0 {
		cfg.DropCount = DefaultAggregatorConfig.DropCount
	}
	if cfg.Registry == nil {
		cfg.Registry = event.DefaultRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	return &Aggregator{
		cfg:       cfg,
		deliverer: deliverer,
		lastFlush: cfg.Clock.Now(),
	}
}

// Capacity returns the maximum queue length.
func (a *Aggregator) Capacity() int {
	return 2 * a.cfg.MaxBatchSize
}

// Enqueue adds an event. It never fails: when the queue is full the
// oldest events are evicted first. High-priority events and kinds that
// force a flush trigger an immediate flush of the whole queue.
func (a *Aggregator) Enqueue(ctx context.Context, evt event.Event) {
	a.mu.Lock()
	dropped := 0
	for len(a.queue) >= a.Capacity() {
		n := min(a.cfg.DropCount, len(a.queue))
		a.queue = dropFront(a.queue, n)
		dropped += n
	}
	a.stats.EventsDropped += int64(dropped)
	a.queue = append(a.queue, evt)
	a.stats.EventsQueued++
	depth := len(a.queue)
	a.mu.Unlock()

	if dropped > 0 {
		observability.LogEventsDropped(a.cfg.Logger, dropped, depth)
		a.cfg.Metrics.RecordEventsDropped(ctx, dropped)
	}
	a.cfg.Metrics.RecordEventEnqueued(ctx, evt.Type.String(), depth)

	if evt.Priority == event.PriorityHigh || a.cfg.Registry.ForcesFlush(evt.Type) {
		a.flush(ctx, reasonPriority)
	}
}

// Tick flushes when the batch window has elapsed since the last flush.
// The window restarts even if the queue is empty.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) {
	a.mu.Lock()
	due := now.Sub(a.lastFlush) >= a.cfg.BatchWindow
	if due {
		a.lastFlush = now
	}
	a.mu.Unlock()

	if due {
		a.flush(ctx, reasonWindow)
	}
}

// Flush delivers up to MaxBatchSize of the oldest events. It reports
// whether a batch was handed to the deliverer; it does nothing when the
// queue is empty or a batch is already in flight.
func (a *Aggregator) Flush(ctx context.Context) bool {
	return a.flush(ctx, reasonManual)
}

// FlushAll flushes repeatedly until the queue is empty or a flush makes
// no progress because delivery failed or is still in flight.
func (a *Aggregator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	limit := len(a.queue) + 1
	a.mu.Unlock()

	for range limit {
		before := a.QueueSize()
		if !a.flush(ctx, reasonDrain) {
			return
		}
		a.mu.Lock()
		stalled := a.inFlight || len(a.queue) >= before
		a.mu.Unlock()
		if stalled {
			return
		}
	}
}

// Restore puts previously undelivered events back at the head of the
// queue, ahead of anything enqueued since. Events beyond capacity are
// dropped from the tail.
func (a *Aggregator) Restore(events []event.Event) {
	if len(events) == 0 {
		return
	}
	a.mu.Lock()
	a.queue = prepend(events, a.queue)
	dropped := a.trimTailLocked()
	depth := len(a.queue)
	a.mu.Unlock()

	if dropped > 0 {
		observability.LogEventsDropped(a.cfg.Logger, dropped, depth)
	}
}

// Queued returns a copy of the events waiting to be flushed.
func (a *Aggregator) Queued() []event.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]event.Event(nil), a.queue...)
}

// QueueSize returns the number of events waiting to be flushed.
func (a *Aggregator) QueueSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// InFlight reports whether a batch is awaiting its delivery outcome.
func (a *Aggregator) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// Stats returns a snapshot of the aggregator's counters.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := a.stats
	stats.QueueSize = len(a.queue)
	stats.InFlight = a.inFlight
	return stats
}

func (a *Aggregator) flush(ctx context.Context, reason string) bool {
	a.mu.Lock()
	if a.inFlight {
		if reason == reasonPriority {
			a.pendingPriority = true
		}
		a.mu.Unlock()
		return false
	}
	if len(a.queue) == 0 {
		a.mu.Unlock()
		return false
	}

	n := min(a.cfg.MaxBatchSize, len(a.queue))
	taken := append([]event.Event(nil), a.queue[:n]...)
	a.queue = dropFront(a.queue, n)
	a.inFlight = true
	if now := a.cfg.Clock.Now(); now.After(a.lastFlush) {
		a.lastFlush = now
	}
	if reason == reasonPriority {
		a.pendingPriority = len(a.queue) > 0
	}
	remaining := len(a.queue)
	a.mu.Unlock()

	batch := event.NewBatch(a.cfg.Source, taken, a.cfg.Registry)
	observability.LogFlush(a.cfg.Logger, batch.ID, remaining, batch.Len(), reason)

	a.deliverer.Deliver(ctx, batch,
		func() { a.onDelivered(ctx, batch) },
		func(err error) { a.onFailed(batch, taken, err) },
	)
	return true
}

func (a *Aggregator) onDelivered(ctx context.Context, batch event.Batch) {
	a.mu.Lock()
	a.inFlight = false
	a.stats.BatchesSent++
	a.stats.EventsSent += int64(batch.Len())
	resume := a.pendingPriority
	a.pendingPriority = false
	a.mu.Unlock()

	if resume {
		a.flush(ctx, reasonPriority)
	}
}

func (a *Aggregator) onFailed(batch event.Batch, taken []event.Event, err error) {
	category := relayerrors.Categorize(err)
	// A cancelled caller says nothing about the batch itself.
	deadLetter := category == relayerrors.CategoryPermanent && !errors.Is(err, context.Canceled)

	a.mu.Lock()
	a.inFlight = false
	a.pendingPriority = false
	a.stats.BatchesFailed++
	dropped := 0
	if deadLetter {
		a.stats.EventsDeadLettered += int64(len(taken))
	} else {
		a.queue = prepend(taken, a.queue)
		dropped = a.trimTailLocked()
	}
	depth := len(a.queue)
	a.mu.Unlock()

	if dropped > 0 {
		observability.LogEventsDropped(a.cfg.Logger, dropped, depth)
		a.cfg.Metrics.RecordEventsDropped(context.Background(), dropped)
	}
	if !deadLetter {
		return
	}
	if a.cfg.DeadLetters == nil {
		a.cfg.Logger.Error("dropping undeliverable batch",
			slog.String("batch_id", batch.ID),
			slog.Int("events", batch.Len()),
			slog.String("error", err.Error()),
		)
		return
	}
	a.cfg.DeadLetters.Enqueue(&event.FailedBatch{
		Batch:        batch,
		ErrorMessage: err.Error(),
		Category:     category.String(),
		FailedAt:     a.cfg.Clock.Now(),
	})
}

// trimTailLocked drops the newest events beyond capacity so a requeued
// batch keeps its place at the head. It returns how many were dropped.
func (a *Aggregator) trimTailLocked() int {
	over := len(a.queue) - a.Capacity()
	if over <= 0 {
		return 0
	}
	a.queue = a.queue[:a.Capacity():a.Capacity()]
	a.stats.EventsDropped += int64(over)
	return over
}

// dropFront removes the first n events without keeping the evicted
// prefix reachable.
func dropFront(queue []event.Event, n int) []event.Event {
	if n >= len(queue) {
		return nil
	}
	return append([]event.Event(nil), queue[n:]...)
}

func prepend(head, tail []event.Event) []event.Event {
	out := make([]event.Event, 0, len(head)+len(tail))
	out = append(out, head...)
	return append(out, tail...)
}
