// Package intake persists completed batches on the relay side. Both local
// copies, the archive record and the pending queue entry, are written before
// the transfer is acknowledged, so an acknowledged batch survives a crash no
// matter what remote delivery does later.
package intake

import (
	"context"

	"github.com/kinegraph/pulseferry/pkg/ferry/archive"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/queue"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// Handler accepts reassembled batches and owns their local persistence.
type Handler struct {
	archive *archive.Archive
	queue   *queue.Queue
}

// Verify that Handler implements the ports.BatchHandler interface.
var _ ports.BatchHandler = (*Handler)(nil)

// NewHandler creates the intake handler.
//
// Parameters:
//
//	a: The consolidated archive.
//	q: The pending delivery queue.
//
// Returns:
//
//	A pointer to the Handler.
func NewHandler(a *archive.Archive, q *queue.Queue) *Handler {
	return &Handler{
		archive: a,
		queue:   q,
	}
}

// OnBatchReady archives the batch, then enqueues it for delivery. An error
// from either write refuses the batch, which makes the sender retry the
// whole transfer; a retried transfer may append the same batch to the
// archive twice. The pipeline is at-least-once end to end.
//
// Parameters:
//
//	ctx: The context for the operation.
//	batch: The reassembled batch to persist.
//
// Returns:
//
//	nil once both local copies are durable.
func (h *Handler) OnBatchReady(ctx context.Context, batch *model.Batch) error {
	if err := h.archive.Append(ctx, batch); err != nil {
		return err
	}
	if _, err := h.queue.Enqueue(ctx, batch); err != nil {
		return err
	}
	logger.Debugf("Accepted batch %s (%d samples).", batch.BatchID, len(batch.Samples))
	return nil
}
