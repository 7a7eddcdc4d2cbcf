package metrics

import (
	"context"
	"time"
)

// NoOpMetricRecorder is an implementation of MetricRecorder that does nothing.
// It is used when metrics are disabled or during testing.
type NoOpMetricRecorder struct{}

// NewNoOpMetricRecorder creates a new instance of NoOpMetricRecorder.
func NewNoOpMetricRecorder() MetricRecorder {
	return &NoOpMetricRecorder{}
}

// RecordBatchSealed does nothing.
func (r *NoOpMetricRecorder) RecordBatchSealed(ctx context.Context, sampleCount int) {}

// RecordChunkSent does nothing.
func (r *NoOpMetricRecorder) RecordChunkSent(ctx context.Context, compression string) {}

// RecordChunkReceived does nothing.
func (r *NoOpMetricRecorder) RecordChunkReceived(ctx context.Context, compression string) {}

// RecordAssemblyCompleted does nothing.
func (r *NoOpMetricRecorder) RecordAssemblyCompleted(ctx context.Context) {}

// RecordAssemblyEvicted does nothing.
func (r *NoOpMetricRecorder) RecordAssemblyEvicted(ctx context.Context, count int) {}

// RecordEnqueue does nothing.
func (r *NoOpMetricRecorder) RecordEnqueue(ctx context.Context, queue string) {}

// RecordQueueOverflow does nothing.
func (r *NoOpMetricRecorder) RecordQueueOverflow(ctx context.Context, queue string) {}

// RecordQuarantine does nothing.
func (r *NoOpMetricRecorder) RecordQuarantine(ctx context.Context, queue string, reason string) {}

// RecordDeliveryAttempt does nothing.
func (r *NoOpMetricRecorder) RecordDeliveryAttempt(ctx context.Context, outcome string) {}

// RecordDeadLetter does nothing.
func (r *NoOpMetricRecorder) RecordDeadLetter(ctx context.Context) {}

// RecordPendingDepth does nothing.
func (r *NoOpMetricRecorder) RecordPendingDepth(ctx context.Context, queue string, depth int) {}

// RecordArchiveAppend does nothing.
func (r *NoOpMetricRecorder) RecordArchiveAppend(ctx context.Context) {}

// RecordArchiveCleanup does nothing.
func (r *NoOpMetricRecorder) RecordArchiveCleanup(ctx context.Context, removed int) {}

// RecordHeartbeat does nothing.
func (r *NoOpMetricRecorder) RecordHeartbeat(ctx context.Context, mode string) {}

// RecordWakeDisruption does nothing.
func (r *NoOpMetricRecorder) RecordWakeDisruption(ctx context.Context) {}

// RecordDuration does nothing.
func (r *NoOpMetricRecorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
}

var _ MetricRecorder = (*NoOpMetricRecorder)(nil)

// --- NoOpTracer ---

// NoOpTracer is an implementation of Tracer that does nothing.
type NoOpTracer struct{}

// NewNoOpTracer creates a new instance of NoOpTracer.
func NewNoOpTracer() Tracer {
	return &NoOpTracer{}
}

// StartDeliverySpan returns the context unchanged.
func (t *NoOpTracer) StartDeliverySpan(ctx context.Context, batchID string) (context.Context, func()) {
	return ctx, func() {}
}

// StartAssemblySpan returns the context unchanged.
func (t *NoOpTracer) StartAssemblySpan(ctx context.Context, batchID string) (context.Context, func()) {
	return ctx, func() {}
}

// RecordError records nothing.
func (t *NoOpTracer) RecordError(ctx context.Context, module string, err error) {}

// RecordEvent records nothing.
func (t *NoOpTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
}

var _ Tracer = (*NoOpTracer)(nil)
