package retry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/observability"
)

// ErrShutdown is reported to tasks still pending when the scheduler shuts
// down, and to operations submitted afterwards.
var ErrShutdown = errors.New("retry scheduler shut down")

// Operation is a synchronous delivery attempt.
type Operation func(ctx context.Context) (any, error)

// AsyncOperation is a delivery attempt that reports through done,
// possibly from another goroutine. done must be called exactly once.
type AsyncOperation func(ctx context.Context, done func(any, error))

// Metadata correlates an operation in logs and traces.
type Metadata struct {
	// Operation names what is being attempted ("deliver_batch").
	Operation string

	// Fields are extra log attributes.
	Fields map[string]any
}

// Result describes a successful operation.
type Result struct {
	Value    any
	Attempts int
	Elapsed  time.Duration
}

// Stats is a side-effect-free snapshot of scheduler state.
type Stats struct {
	Breaker   BreakerStats
	Parked    int
	InFlight  int
	Executed  int64
	Succeeded int64
	Failed    int64
	Retries   int64
	Rejected  int64
}

type task struct {
	id        uint64
	ctx       context.Context
	op        Operation
	async     AsyncOperation
	meta      Metadata
	onSuccess func(Result)
	onFailure func(error)

	started  time.Time
	attempt  int
	probe    bool
	parked   bool
	resumeAt time.Time
	inFlight bool
	finished bool
	span     trace.Span
}

type completion struct {
	task    *task
	attempt int
	value   any
	err     error
}

// Scheduler runs operations with retries and a circuit breaker. It is
// driven by Tick and never blocks waiting for a retry delay.
//
// Exactly one of onSuccess and onFailure fires exactly once per
// operation. Callbacks run on the goroutine that calls ExecuteWithRetry,
// ExecuteAsync, Tick or Shutdown, never with a scheduler lock held.
type Scheduler struct {
	cfg     Config
	breaker *Breaker
	clock   clock.Clock
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu          sync.Mutex
	nextID      uint64
	tasks       map[uint64]*task
	completions []completion
	shutdown    bool
	stats       Stats
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock sets the clock.
func WithClock(clk clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) SchedulerOption {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSpanManager sets the span manager used for per-attempt spans.
func WithSpanManager(sm observability.SpanManager) SchedulerOption {
	return func(s *Scheduler) {
		if sm != nil {
			s.spans = sm
		}
	}
}

// NewScheduler creates a scheduler with its own breaker.
func NewScheduler(cfg Config, opts ...SchedulerOption) *Scheduler {
	cfg = cfg.normalized()
	s := &Scheduler{
		cfg:     cfg,
		breaker: NewBreaker(cfg.FailureThreshold, cfg.ResetTimeout),
		clock:   clock.Real(),
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		tasks:   make(map[uint64]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker.OnTransition(func(from, to State, failures int) {
		observability.LogBreakerTransition(s.logger, from.String(), to.String(), failures)
		s.metrics.RecordBreakerTransition(context.Background(), to.String())
	})
	return s
}

// Breaker returns the scheduler's circuit breaker.
func (s *Scheduler) Breaker() *Breaker {
	return s.breaker
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// ExecuteWithRetry runs op until it succeeds, fails permanently or
// exhausts its attempts. The first attempt runs before ExecuteWithRetry
// returns; later attempts run from Tick.
func (s *Scheduler) ExecuteWithRetry(ctx context.Context, op Operation, meta Metadata, onSuccess func(Result), onFailure func(error)) {
	s.submit(&task{ctx: ctx, op: op, meta: meta, onSuccess: onSuccess, onFailure: onFailure})
}

// ExecuteAsync is ExecuteWithRetry for operations that complete in the
// background. Their results are processed on the next Tick.
func (s *Scheduler) ExecuteAsync(ctx context.Context, op AsyncOperation, meta Metadata, onSuccess func(Result), onFailure func(error)) {
	s.submit(&task{ctx: ctx, async: op, meta: meta, onSuccess: onSuccess, onFailure: onFailure})
}

func (s *Scheduler) submit(t *task) {
	if t.ctx == nil {
		t.ctx = context.Background()
	}
	if t.onSuccess == nil {
		t.onSuccess = func(Result) {}
	}
	if t.onFailure == nil {
		t.onFailure = func(error) {}
	}
	now := s.clock.Now()
	t.started = now

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		t.onFailure(ErrShutdown)
		return
	}
	s.nextID++
	t.id = s.nextID
	s.tasks[t.id] = t
	s.stats.Executed++
	s.mu.Unlock()

	s.attempt(t, now)
	s.drain()
}

// Tick processes finished async attempts and resumes every parked task
// whose delay has elapsed at now.
func (s *Scheduler) Tick(now time.Time) {
	s.drain()

	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if t.parked && !now.Before(t.resumeAt) {
			t.parked = false
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].resumeAt.Equal(due[j].resumeAt) {
			return due[i].resumeAt.Before(due[j].resumeAt)
		}
		return due[i].id < due[j].id
	})

	for _, t := range due {
		s.attempt(t, now)
		s.drain()
	}
}

// Shutdown fails every unfinished task with ErrShutdown and rejects new
// ones. Late async completions are ignored.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	pending := make([]*task, 0, len(s.tasks))
	probing := false
	for _, t := range s.tasks {
		pending = append(pending, t)
		if t.probe && t.inFlight && !t.finished {
			probing = true
		}
	}
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })
	for _, t := range pending {
		s.fail(t, ErrShutdown)
	}
	// An unanswered probe must not leave the breaker stuck in HalfOpen.
	if probing {
		s.breaker.ReleaseProbe()
	}
}

// Pending reports the number of unfinished tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// NextResume returns the earliest resume deadline among parked tasks.
func (s *Scheduler) NextResume() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, t := range s.tasks {
		if t.parked && (!found || t.resumeAt.Before(next)) {
			next, found = t.resumeAt, true
		}
	}
	return next, found
}

// Stats returns a snapshot of scheduler state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	for _, t := range s.tasks {
		if t.parked {
			st.Parked++
		}
		if t.inFlight {
			st.InFlight++
		}
	}
	s.mu.Unlock()

	st.Breaker = s.breaker.Stats()
	return st
}

// attempt makes the next attempt for t, unless the breaker, the context
// or shutdown stops it first.
func (s *Scheduler) attempt(t *task, now time.Time) {
	if err := t.ctx.Err(); err != nil {
		s.fail(t, relayerrors.Permanent(err, "context cancelled"))
		return
	}

	probe, err := s.breaker.Allow(now)
	if err != nil {
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()
		s.fail(t, err)
		return
	}

	s.mu.Lock()
	if s.shutdown || t.finished {
		s.mu.Unlock()
		if probe {
			s.breaker.ReleaseProbe()
		}
		s.fail(t, ErrShutdown)
		return
	}
	t.attempt++
	t.probe = probe
	t.inFlight = true
	attempt := t.attempt
	s.mu.Unlock()

	ctx, span := s.spans.StartAttemptSpan(t.ctx, t.meta.Operation, attempt)
	s.mu.Lock()
	t.span = span
	s.mu.Unlock()

	if t.async != nil {
		t.async(ctx, func(v any, err error) {
			s.complete(t, attempt, v, err)
		})
		return
	}
	v, opErr := t.op(ctx)
	s.complete(t, attempt, v, opErr)
}

// complete queues an attempt result. Safe from any goroutine.
func (s *Scheduler) complete(t *task, attempt int, v any, err error) {
	s.mu.Lock()
	s.completions = append(s.completions, completion{task: t, attempt: attempt, value: v, err: err})
	s.mu.Unlock()
}

// drain handles queued completions in arrival order.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.completions) == 0 {
			s.mu.Unlock()
			return
		}
		c := s.completions[0]
		s.completions = s.completions[1:]
		s.mu.Unlock()

		s.handle(c)
	}
}

func (s *Scheduler) handle(c completion) {
	t := c.task
	now := s.clock.Now()

	s.mu.Lock()
	if t.finished || !t.inFlight || c.attempt != t.attempt {
		s.mu.Unlock()
		return
	}
	t.inFlight = false
	span, probe := t.span, t.probe
	t.span = nil
	s.mu.Unlock()

	s.spans.EndSpanWithError(span, c.err)

	if c.err == nil {
		s.breaker.RecordSuccess()
		s.succeed(t, Result{Value: c.value, Attempts: c.attempt, Elapsed: now.Sub(t.started)})
		return
	}

	// Permanent failures and nested breaker rejections say nothing about
	// endpoint health, so the breaker is left alone.
	if cat := relayerrors.Categorize(c.err); cat != relayerrors.CategoryTransient {
		if probe {
			s.breaker.ReleaseProbe()
		}
		s.fail(t, &relayerrors.CategorizedError{
			Err:      c.err,
			Category: cat,
			Attempts: c.attempt,
			Context:  t.meta.Operation,
		})
		return
	}

	if probe || c.attempt >= s.cfg.MaxRetries {
		s.breaker.RecordFailure(now)
		s.fail(t, &relayerrors.ExhaustedError{Attempts: c.attempt, Last: c.err})
		return
	}

	delay := s.cfg.Delay(c.attempt)
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.fail(t, ErrShutdown)
		return
	}
	t.parked = true
	t.resumeAt = now.Add(delay)
	s.stats.Retries++
	s.mu.Unlock()

	observability.LogRetryScheduled(s.logger, t.meta.Operation, c.attempt, delay, c.err)
	s.spans.AddSpanEvent(t.ctx, "retry_scheduled",
		attribute.Int("attempt", c.attempt),
		attribute.Int64("delay_ms", delay.Milliseconds()),
	)
	s.metrics.RecordRetry(t.ctx, t.meta.Operation, c.attempt)
}

// succeed finishes t and reports success.
func (s *Scheduler) succeed(t *task, res Result) {
	if !s.finish(t) {
		return
	}
	s.mu.Lock()
	s.stats.Succeeded++
	s.mu.Unlock()
	t.onSuccess(res)
}

// fail finishes t and reports err.
func (s *Scheduler) fail(t *task, err error) {
	if !s.finish(t) {
		return
	}
	s.mu.Lock()
	s.stats.Failed++
	span := t.span
	t.span = nil
	s.mu.Unlock()
	if span != nil {
		s.spans.EndSpanWithError(span, err)
	}

	if s.logger != nil {
		attrs := []any{
			slog.String("operation", t.meta.Operation),
			slog.Int("attempts", t.attempt),
			slog.String("error", err.Error()),
		}
		for k, v := range t.meta.Fields {
			attrs = append(attrs, slog.Any(k, v))
		}
		s.logger.Debug("operation failed", attrs...)
	}
	t.onFailure(err)
}

// finish marks t done. It reports false if t was already finished.
func (s *Scheduler) finish(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.finished {
		return false
	}
	t.finished = true
	t.parked = false
	t.inFlight = false
	delete(s.tasks, t.id)
	return true
}
