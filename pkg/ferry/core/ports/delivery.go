package ports

import (
	"context"

	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
)

// BatchHandler is the single contract a batch producer needs from the rest of
// the pipeline: hand over a sealed batch and learn whether it was accepted.
// A nil return means the batch is owned downstream and must not be re-submitted.
type BatchHandler interface {
	OnBatchReady(ctx context.Context, batch *model.Batch) error
}

// BatchHandlerFunc adapts a plain function to the BatchHandler interface.
type BatchHandlerFunc func(ctx context.Context, batch *model.Batch) error

// OnBatchReady implements BatchHandler.
func (f BatchHandlerFunc) OnBatchReady(ctx context.Context, batch *model.Batch) error {
	return f(ctx, batch)
}

// DeliveryJournal is an abstract interface for persisting delivery outcome
// counters for status reporting. Journal failures must never stall the
// pipeline; callers log them and move on.
type DeliveryJournal interface {
	// RecordOutcome bumps the counter for one classified outcome
	// ("success", "retryable", "fatal", "dead_lettered", "deferred").
	RecordOutcome(ctx context.Context, outcome string) error
}

// Sink is an abstract interface for the remote endpoint batches are delivered to.
// Deliver returns nil on confirmed receipt. Failures are classified by the
// caller via the exception package: payload rejections are fatal, everything
// else is treated as retryable.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Ping verifies the sink is reachable without submitting data.
	Ping(ctx context.Context) error
	// Deliver submits one batch and blocks until the sink confirms or fails.
	Deliver(ctx context.Context, batch *model.Batch) error
}
