package eventrelay

import (
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/retry"
)

// Stats is a side-effect-free snapshot of the whole relay.
type Stats struct {
	AggregatorStats

	BreakerState        string `json:"breaker_state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	PendingRetries      int    `json:"pending_retries"`
	LastSequenceID      uint64 `json:"last_sequence_id"`
	Closed              bool   `json:"closed"`

	Scheduler   retry.Stats    `json:"scheduler"`
	DeadLetters event.DLQStats `json:"dead_letters"`
}

// Stats returns current counters. It may be called at any time,
// including after Close.
func (r *Relay) Stats() Stats {
	sched := r.scheduler.Stats()
	return Stats{
		AggregatorStats:     r.aggregator.Stats(),
		BreakerState:        sched.Breaker.State.String(),
		ConsecutiveFailures: sched.Breaker.ConsecutiveFailures,
		PendingRetries:      sched.Parked,
		LastSequenceID:      r.coordinator.LastSequence(),
		Closed:              r.closed.Load(),
		Scheduler:           sched,
		DeadLetters:         r.deadLetters.Stats(),
	}
}
