package eventrelay

import (
	"context"
	"log/slog"

	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/observability"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/retry"
)

// OperationDeliverBatch names batch deliveries in logs and traces.
const OperationDeliverBatch = "deliver_batch"

// schedulerDeliverer sends batches through the coordinator under the
// scheduler's retry and breaker policy.
type schedulerDeliverer struct {
	coordinator *message.Coordinator
	scheduler   *retry.Scheduler
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
}

var _ Deliverer = (*schedulerDeliverer)(nil)

func (d *schedulerDeliverer) Deliver(ctx context.Context, batch event.Batch, onSuccess func(), onFailure func(error)) {
	ctx, span := d.spans.StartDeliverySpan(ctx, batch.ID, batch.Len())

	send := func(ctx context.Context, done func(any, error)) {
		d.coordinator.SendAsync(ctx, batch, message.MessageEventBatch, func(res message.SendResult, err error) {
			done(res, err)
		})
	}

	meta := retry.Metadata{
		Operation: OperationDeliverBatch,
		Fields: map[string]any{
			"batch_id": batch.ID,
			"events":   batch.Len(),
		},
	}

	d.scheduler.ExecuteAsync(ctx, send, meta,
		func(res retry.Result) {
			var seq uint64
			if sent, ok := res.Value.(message.SendResult); ok {
				seq = sent.SequenceID
			}
			d.spans.EndSpanWithError(span, nil)
			d.metrics.RecordBatchDelivered(ctx, batch.Len(), res.Attempts, res.Elapsed)
			observability.LogDeliverySuccess(d.logger, batch.ID, seq, res.Attempts)
			onSuccess()
		},
		func(err error) {
			category := relayerrors.Categorize(err).String()
			d.spans.EndSpanWithError(span, err)
			d.metrics.RecordBatchFailed(ctx, batch.Len(), category)
			observability.LogDeliveryFailed(d.logger, batch.ID, batch.Len(), category, err)
			onFailure(err)
		},
	)
}
