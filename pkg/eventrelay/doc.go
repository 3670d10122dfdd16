/*
Package eventrelay buffers, batches and reliably delivers events from a
host that runs on a single cooperative tick, such as a game mod.

# Overview

The host enqueues events as they happen and calls Tick once per frame.
Nothing blocks: batches wait for a window, failed deliveries are parked
with a resume deadline, and asynchronous transports report back on a
later tick.

	settings := config.Defaults()
	tr, err := transport.NewFile("/tmp/relay")
	if err != nil {
	    log.Fatal(err)
	}

	relay, err := eventrelay.New(settings, tr)
	if err != nil {
	    log.Fatal(err)
	}
	defer relay.Close(context.Background())

	relay.Emit(ctx, event.KindHandPlayed, map[string]any{"hand": "flush"})
	relay.Tick(ctx, time.Now())

# Pipeline

An Aggregator queues events and flushes them as a Batch when the batch
window elapses, or immediately for high-priority events and kinds the
registry marks as flush-forcing (ERROR). Snapshot kinds (GAME_STATE) are
deduplicated per scope key at flush time.

Each batch is delivered by the retry Scheduler, which calls the message
Coordinator. The coordinator wraps the batch in a versioned, sequenced
Envelope, encodes it and writes it to a Transport. Transient failures are
retried on later ticks; repeated exhaustion opens the circuit breaker.
A batch that fails transiently goes back to the head of the queue. One
that fails permanently, such as a serialization error, goes to the
dead-letter queue.

# Shutdown

Close drains the queue until it is empty or its context is done, fails
parked retries, and spools what is left. The next Relay on the same
stream restores those events before anything new.

# Concurrency

Every component is safe for concurrent use, but callbacks and transport
calls always run outside locks, and async completions are applied on the
tick. A host with a single loop never sees a callback from another
goroutine.
*/
package eventrelay
