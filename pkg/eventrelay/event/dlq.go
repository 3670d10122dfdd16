package event

import (
	"sync"
	"time"
)

// FailedBatch is a batch that could not be delivered and will not be
// retried, typically because it failed to serialize.
type FailedBatch struct {
	Batch        Batch     `json:"batch"`
	ErrorMessage string    `json:"error_message"`
	Category     string    `json:"category"`
	FailedAt     time.Time `json:"failed_at"`
}

// DLQConfig configures the dead-letter queue.
type DLQConfig struct {
	// MaxSize limits the number of batches kept. When full, the oldest
	// batch is evicted.
	// Default: 100
	MaxSize int

	// OnEnqueue is called when a batch is added.
	OnEnqueue func(*FailedBatch)
}

// DefaultDLQConfig provides reasonable defaults.
var DefaultDLQConfig = DLQConfig{
	MaxSize: 100,
}

// DeadLetterQueue keeps permanently failed batches in memory for
// inspection. It never rejects a batch: when full it evicts the oldest
// one and counts the eviction.
type DeadLetterQueue struct {
	mu      sync.Mutex
	batches []*FailedBatch
	cfg     DLQConfig

	enqueued int64
	evicted  int64
}

// NewDeadLetterQueue creates a dead-letter queue.
func NewDeadLetterQueue(cfg DLQConfig) *DeadLetterQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDLQConfig.MaxSize
	}
	return &DeadLetterQueue{cfg: cfg}
}

// Enqueue adds a failed batch.
func (d *DeadLetterQueue) Enqueue(failed *FailedBatch) {
	d.mu.Lock()
	if len(d.batches) >= d.cfg.MaxSize {
		d.batches[0] = nil
		d.batches = d.batches[1:]
		d.evicted++
	}
	d.batches = append(d.batches, failed)
	d.enqueued++
	onEnqueue := d.cfg.OnEnqueue
	d.mu.Unlock()

	if onEnqueue != nil {
		onEnqueue(failed)
	}
}

// Restore puts batches recovered from a previous session back, oldest
// first. They are not counted as enqueued and OnEnqueue is not called.
func (d *DeadLetterQueue) Restore(batches []*FailedBatch) {
	d.mu.Lock()
	defer d.mu.Unlock()

	merged := append(append([]*FailedBatch(nil), batches...), d.batches...)
	if over := len(merged) - d.cfg.MaxSize; over > 0 {
		merged = merged[over:]
		d.evicted += int64(over)
	}
	d.batches = merged
}

// List returns up to limit batches, oldest first. A limit <= 0 returns
// all of them.
func (d *DeadLetterQueue) List(limit int) []*FailedBatch {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.batches) {
		limit = len(d.batches)
	}
	return append([]*FailedBatch(nil), d.batches[:limit]...)
}

// Drain removes and returns every batch.
func (d *DeadLetterQueue) Drain() []*FailedBatch {
	d.mu.Lock()
	defer d.mu.Unlock()

	drained := d.batches
	d.batches = nil
	return drained
}

// Len returns the number of batches held.
func (d *DeadLetterQueue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

// Stats returns dead-letter statistics.
func (d *DeadLetterQueue) Stats() DLQStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	events := 0
	for _, b := range d.batches {
		events += b.Batch.Len()
	}
	return DLQStats{
		QueueSize: len(d.batches),
		Events:    events,
		Enqueued:  d.enqueued,
		Evicted:   d.evicted,
	}
}

// DLQStats provides statistics about the dead-letter queue.
type DLQStats struct {
	QueueSize int   // Current number of batches
	Events    int   // Events across held batches
	Enqueued  int64 // Total batches enqueued
	Evicted   int64 // Total batches evicted when full
}
