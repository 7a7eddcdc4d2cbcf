// Package delivery drains the pending queue toward the remote sink. The
// engine rescans the queue on a fixed interval, gates every pass on the
// approved-network predicate and sink reachability, classifies each attempt's
// outcome and dead-letters entries that keep failing fatally. A batch never
// silently disappears: it is delivered, dead-lettered or stays queued.
package delivery

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/netgate"
	"github.com/kinegraph/pulseferry/pkg/ferry/queue"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const (
	moduleName = "delivery"

	defaultMaxPerScan  = 25
	defaultMaxFailures = 3

	outcomeSuccess      = "success"
	outcomeRetryable    = "retryable"
	outcomeFatal        = "fatal"
	outcomeDeadLettered = "dead_lettered"
	outcomeDeferred     = "deferred"
)

// ScanResult summarizes one pass over the pending queue.
type ScanResult struct {
	// Skipped reports that another scan was already in flight.
	Skipped bool
	// Deferred reports that gating closed the pass before any attempt.
	Deferred bool
	// Attempted is the number of entries handed to the sink.
	Attempted int
	// Delivered is the number of entries confirmed and removed.
	Delivered int
	// Retryable is the number of attempts that failed transiently.
	Retryable int
	// Fatal is the number of attempts the sink rejected outright.
	Fatal int
	// DeadLettered is the number of entries that exhausted their failure budget.
	DeadLettered int
}

// Engine pulls entries from the pending queue and delivers them to the sink.
type Engine struct {
	queue       *queue.Queue
	sink        ports.Sink
	gate        *netgate.Gate
	journal     ports.DeliveryJournal
	recorder    metrics.MetricRecorder
	tracer      metrics.Tracer
	maxPerScan  int
	maxFailures int
	scanning    atomic.Bool
}

// NewEngine creates the delivery engine.
//
// Parameters:
//
//	cfg: The application configuration.
//	q: The pending queue to drain.
//	sink: The remote endpoint batches are delivered to.
//	gate: The approved-network gate checked before every pass.
//	journal: The delivery statistics journal. May be nil.
//	recorder: The metric recorder for attempt outcomes.
//	tracer: The Tracer wrapping each delivery attempt.
//
// Returns:
//
//	A pointer to the Engine.
func NewEngine(cfg *config.Config, q *queue.Queue, sink ports.Sink, gate *netgate.Gate,
	journal ports.DeliveryJournal, recorder metrics.MetricRecorder, tracer metrics.Tracer) *Engine {
	maxPerScan := cfg.Pulseferry.Delivery.MaxPerScan
	if maxPerScan <= 0 {
		maxPerScan = defaultMaxPerScan
	}
	maxFailures := cfg.Pulseferry.Queue.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	return &Engine{
		queue:       q,
		sink:        sink,
		gate:        gate,
		journal:     journal,
		recorder:    recorder,
		tracer:      tracer,
		maxPerScan:  maxPerScan,
		maxFailures: maxFailures,
	}
}

// ProcessQueue runs one delivery pass over the pending queue. The pass is
// idempotent under concurrent invocation: while one scan is in flight, any
// further call returns immediately with Skipped set. Entries are attempted
// oldest first, at most maxPerScan per pass; the remainder waits for the
// next pass.
//
// Parameters:
//
//	ctx: The context bounding the pass.
//
// Returns:
//
//	The scan summary and an error when the queue itself cannot be listed or
//	the context ends mid-pass. Per-entry failures never fail the pass.
func (e *Engine) ProcessQueue(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	if !e.scanning.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer e.scanning.Store(false)

	if err := e.gate.Check(ctx); err != nil {
		logger.Infof("Delivery deferred, network gate is closed: %v", err)
		return e.deferPass(ctx, res), nil
	}
	if err := e.sink.Ping(ctx); err != nil {
		logger.Infof("Delivery deferred, sink %s is not reachable: %v", e.sink.Name(), err)
		return e.deferPass(ctx, res), nil
	}

	entries, err := e.queue.ListPending(ctx)
	if err != nil {
		return res, err
	}
	if len(entries) > e.maxPerScan {
		logger.Debugf("Attempting %d of %d pending entries this pass.", e.maxPerScan, len(entries))
		entries = entries[:e.maxPerScan]
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, exception.NewPipelineError(moduleName, "delivery pass interrupted", ctx.Err(), true)
		}
		res.Attempted++
		e.attempt(ctx, entry, &res)
	}
	return res, nil
}

// attempt delivers one entry and applies the outcome's side effects.
func (e *Engine) attempt(ctx context.Context, entry queue.Entry, res *ScanResult) {
	spanCtx, end := e.tracer.StartDeliverySpan(ctx, entry.Batch.BatchID)
	defer end()

	err := e.sink.Deliver(spanCtx, entry.Batch)
	if err == nil {
		e.onSuccess(spanCtx, entry, res)
		return
	}
	e.tracer.RecordError(spanCtx, moduleName, err)
	if isFatalOutcome(err) {
		e.onFatal(spanCtx, entry, err, res)
		return
	}
	e.onRetryable(spanCtx, entry, err, res)
}

// onSuccess removes the confirmed entry. A failed remove leaves the entry
// queued for redelivery; the sink must tolerate the duplicate.
func (e *Engine) onSuccess(ctx context.Context, entry queue.Entry, res *ScanResult) {
	e.recorder.RecordDeliveryAttempt(ctx, outcomeSuccess)
	e.journalOutcome(ctx, outcomeSuccess)
	if err := e.queue.Remove(ctx, entry.Key); err != nil {
		logger.Errorf("Delivered batch %s but failed to remove queue entry %s, it will be redelivered: %v",
			entry.Batch.BatchID, entry.Key, err)
		return
	}
	res.Delivered++
	logger.Debugf("Delivered batch %s after %d prior failures.", entry.Batch.BatchID, entry.FailureCount)
}

// onFatal bumps the consecutive-failure counter and dead-letters the entry
// once it exhausts its budget.
func (e *Engine) onFatal(ctx context.Context, entry queue.Entry, cause error, res *ScanResult) {
	res.Fatal++
	e.recorder.RecordDeliveryAttempt(ctx, outcomeFatal)
	e.journalOutcome(ctx, outcomeFatal)

	entry.FailureCount++
	entry.LastError = cause.Error()

	if entry.FailureCount >= e.maxFailures {
		if err := e.queue.MoveToDeadLetter(ctx, entry.Key); err != nil {
			logger.Errorf("Failed to dead-letter queue entry %s: %v", entry.Key, err)
			return
		}
		res.DeadLettered++
		e.journalOutcome(ctx, outcomeDeadLettered)
		e.tracer.RecordEvent(ctx, "dead_lettered", map[string]interface{}{
			"batch_id": entry.Batch.BatchID,
			"failures": entry.FailureCount,
		})
		logger.Errorf("Batch %s exhausted its failure budget (%d consecutive fatal attempts) and was dead-lettered: %v",
			entry.Batch.BatchID, entry.FailureCount, cause)
		return
	}

	if err := e.queue.Update(ctx, entry); err != nil {
		// Losing the counter only grants the entry extra attempts.
		logger.Errorf("Failed to persist failure count for queue entry %s: %v", entry.Key, err)
	}
	logger.Warnf("Sink rejected batch %s (fatal attempt %d of %d): %v",
		entry.Batch.BatchID, entry.FailureCount, e.maxFailures, cause)
}

// onRetryable leaves the entry queued and resets the consecutive-failure
// counter. Entries with a zero counter are not rewritten; an offline stretch
// must not turn every pass into a disk write per entry.
func (e *Engine) onRetryable(ctx context.Context, entry queue.Entry, cause error, res *ScanResult) {
	res.Retryable++
	e.recorder.RecordDeliveryAttempt(ctx, outcomeRetryable)
	e.journalOutcome(ctx, outcomeRetryable)
	logger.Warnf("Delivery of batch %s failed, will retry next pass: %v", entry.Batch.BatchID, cause)

	if entry.FailureCount == 0 {
		return
	}
	entry.FailureCount = 0
	entry.LastError = cause.Error()
	if err := e.queue.Update(ctx, entry); err != nil {
		logger.Errorf("Failed to reset failure count for queue entry %s: %v", entry.Key, err)
	}
}

// deferPass records a gated pass. Entries are untouched.
func (e *Engine) deferPass(ctx context.Context, res ScanResult) ScanResult {
	res.Deferred = true
	e.recorder.RecordDeliveryAttempt(ctx, outcomeDeferred)
	e.journalOutcome(ctx, outcomeDeferred)
	return res
}

// journalOutcome feeds the status journal. Journal failures never stall
// delivery.
func (e *Engine) journalOutcome(ctx context.Context, outcome string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOutcome(ctx, outcome); err != nil {
		logger.Warnf("Failed to journal delivery outcome %q: %v", outcome, err)
	}
}

// isFatalOutcome reports whether a delivery error is terminal for the
// attempt. Only failures the sink explicitly classified as non-retryable
// count; unclassified errors are retried so uncertain data is never
// discarded.
func isFatalOutcome(err error) bool {
	return exception.IsPipelineError(err) && exception.IsFatal(err)
}

// String renders the summary for log lines.
func (r ScanResult) String() string {
	if r.Skipped {
		return "skipped (scan already in flight)"
	}
	if r.Deferred {
		return "deferred"
	}
	return fmt.Sprintf("attempted=%d delivered=%d retryable=%d fatal=%d dead_lettered=%d",
		r.Attempted, r.Delivered, r.Retryable, r.Fatal, r.DeadLettered)
}

// scanInterval resolves the configured rescan cadence.
func scanInterval(cfg *config.Config) time.Duration {
	interval := time.Duration(cfg.Pulseferry.Delivery.ScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return interval
}
