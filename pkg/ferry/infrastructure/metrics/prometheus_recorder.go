package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	metrics "github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	logger "github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// PrometheusRecorder is a Prometheus implementation of the metrics.MetricRecorder interface.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	// Producer metrics
	batchSealedTotal prometheus.Counter
	batchSamples     prometheus.Histogram

	// Transfer metrics
	chunkSentTotal         *prometheus.CounterVec
	chunkReceivedTotal     *prometheus.CounterVec
	assemblyCompletedTotal prometheus.Counter
	assemblyEvictedTotal   prometheus.Counter

	// Queue metrics
	enqueueTotal       *prometheus.CounterVec
	queueOverflowTotal *prometheus.CounterVec
	quarantineTotal    *prometheus.CounterVec
	pendingDepth       *prometheus.GaugeVec

	// Delivery metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deadLetterTotal       prometheus.Counter

	// Archive metrics
	archiveAppendTotal         prometheus.Counter
	archiveCleanupRunsTotal    prometheus.Counter
	archiveCleanupRemovedTotal prometheus.Counter

	// Supervision metrics
	heartbeatTotal      *prometheus.CounterVec
	wakeDisruptionTotal prometheus.Counter

	// Generic operation durations
	operationDurationSeconds *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new instance of PrometheusRecorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()

	// Register Go standard metrics and process/OS metrics.
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		batchSealedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_batch_sealed_total",
			Help: "Total number of batches sealed by the producer.",
		}),
		batchSamples: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ferry_batch_samples",
			Help:    "Number of samples per sealed batch.",
			Buckets: prometheus.ExponentialBuckets(8, 2, 8),
		}),
		chunkSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_chunk_sent_total",
			Help: "Total chunks shipped over the companion link.",
		}, []string{"compression"}),
		chunkReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_chunk_received_total",
			Help: "Total chunks accepted into the assembly store.",
		}, []string{"compression"}),
		assemblyCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_assembly_completed_total",
			Help: "Total batches fully reassembled from chunks.",
		}),
		assemblyEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_assembly_evicted_total",
			Help: "Total incomplete assemblies evicted as stale.",
		}),
		enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_queue_enqueue_total",
			Help: "Total batches persisted into durable queues.",
		}, []string{"queue"}),
		queueOverflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_queue_overflow_total",
			Help: "Total oldest-entry evictions caused by the queue cap.",
		}, []string{"queue"}),
		quarantineTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_queue_quarantine_total",
			Help: "Total entries set aside as unreadable.",
		}, []string{"queue", "reason"}),
		pendingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferry_queue_pending_depth",
			Help: "Current number of entries awaiting delivery.",
		}, []string{"queue"}),
		deliveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_delivery_attempts_total",
			Help: "Total delivery attempts by classified outcome.",
		}, []string{"outcome"}),
		deadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_dead_letter_total",
			Help: "Total entries moved to the dead-letter directory.",
		}),
		archiveAppendTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_archive_append_total",
			Help: "Total batches appended to the consolidated archive.",
		}),
		archiveCleanupRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_archive_cleanup_runs_total",
			Help: "Total retention cleanup passes.",
		}),
		archiveCleanupRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_archive_cleanup_removed_total",
			Help: "Total archive records removed by retention cleanup.",
		}),
		heartbeatTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_heartbeat_total",
			Help: "Total heartbeats emitted by operating mode.",
		}, []string{"mode"}),
		wakeDisruptionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_wake_disruption_total",
			Help: "Total wake-resource disruption alerts raised.",
		}),
		operationDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ferry_operation_duration_seconds",
			Help:    "Duration of named pipeline operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}

	// Register all metrics with the registry.
	registry.MustRegister(r.batchSealedTotal)
	registry.MustRegister(r.batchSamples)
	registry.MustRegister(r.chunkSentTotal)
	registry.MustRegister(r.chunkReceivedTotal)
	registry.MustRegister(r.assemblyCompletedTotal)
	registry.MustRegister(r.assemblyEvictedTotal)
	registry.MustRegister(r.enqueueTotal)
	registry.MustRegister(r.queueOverflowTotal)
	registry.MustRegister(r.quarantineTotal)
	registry.MustRegister(r.pendingDepth)
	registry.MustRegister(r.deliveryAttemptsTotal)
	registry.MustRegister(r.deadLetterTotal)
	registry.MustRegister(r.archiveAppendTotal)
	registry.MustRegister(r.archiveCleanupRunsTotal)
	registry.MustRegister(r.archiveCleanupRemovedTotal)
	registry.MustRegister(r.heartbeatTotal)
	registry.MustRegister(r.wakeDisruptionTotal)
	registry.MustRegister(r.operationDurationSeconds)

	return r
}

// GetRegistry returns the Prometheus registry.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

// RecordBatchSealed records that the producer sealed a batch.
func (r *PrometheusRecorder) RecordBatchSealed(ctx context.Context, sampleCount int) {
	r.batchSealedTotal.Inc()
	r.batchSamples.Observe(float64(sampleCount))
	logger.Debugf("Metrics: batch sealed with %d samples.", sampleCount)
}

// RecordChunkSent records a chunk shipped over the companion link.
func (r *PrometheusRecorder) RecordChunkSent(ctx context.Context, compression string) {
	r.chunkSentTotal.WithLabelValues(compression).Inc()
}

// RecordChunkReceived records a chunk accepted into the assembly store.
func (r *PrometheusRecorder) RecordChunkReceived(ctx context.Context, compression string) {
	r.chunkReceivedTotal.WithLabelValues(compression).Inc()
}

// RecordAssemblyCompleted records a fully reassembled batch.
func (r *PrometheusRecorder) RecordAssemblyCompleted(ctx context.Context) {
	r.assemblyCompletedTotal.Inc()
}

// RecordAssemblyEvicted records incomplete assemblies dropped as stale.
func (r *PrometheusRecorder) RecordAssemblyEvicted(ctx context.Context, count int) {
	r.assemblyEvictedTotal.Add(float64(count))
}

// RecordEnqueue records a batch persisted into a durable queue.
func (r *PrometheusRecorder) RecordEnqueue(ctx context.Context, queue string) {
	r.enqueueTotal.WithLabelValues(queue).Inc()
}

// RecordQueueOverflow records an oldest-entry eviction caused by the queue cap.
func (r *PrometheusRecorder) RecordQueueOverflow(ctx context.Context, queue string) {
	r.queueOverflowTotal.WithLabelValues(queue).Inc()
}

// RecordQuarantine records an entry set aside as unreadable.
func (r *PrometheusRecorder) RecordQuarantine(ctx context.Context, queue string, reason string) {
	r.quarantineTotal.WithLabelValues(queue, reason).Inc()
}

// RecordDeliveryAttempt records the outcome of one delivery attempt.
func (r *PrometheusRecorder) RecordDeliveryAttempt(ctx context.Context, outcome string) {
	r.deliveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter records an entry moved to the dead-letter directory.
func (r *PrometheusRecorder) RecordDeadLetter(ctx context.Context) {
	r.deadLetterTotal.Inc()
}

// RecordPendingDepth records the current depth of a durable queue.
func (r *PrometheusRecorder) RecordPendingDepth(ctx context.Context, queue string, depth int) {
	r.pendingDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordArchiveAppend records a batch appended to the consolidated archive.
func (r *PrometheusRecorder) RecordArchiveAppend(ctx context.Context) {
	r.archiveAppendTotal.Inc()
}

// RecordArchiveCleanup records a retention cleanup pass.
func (r *PrometheusRecorder) RecordArchiveCleanup(ctx context.Context, removed int) {
	r.archiveCleanupRunsTotal.Inc()
	r.archiveCleanupRemovedTotal.Add(float64(removed))
	logger.Debugf("Metrics: archive cleanup removed %d records.", removed)
}

// RecordHeartbeat records a heartbeat emission.
func (r *PrometheusRecorder) RecordHeartbeat(ctx context.Context, mode string) {
	r.heartbeatTotal.WithLabelValues(mode).Inc()
}

// RecordWakeDisruption records a wake-resource disruption alert.
func (r *PrometheusRecorder) RecordWakeDisruption(ctx context.Context) {
	r.wakeDisruptionTotal.Inc()
}

// RecordDuration records the execution time of a specific operation.
// The "status" tag, when present, becomes the status label; other tags are
// dropped because Prometheus label sets must be fixed.
func (r *PrometheusRecorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
	status := tags["status"]
	if status == "" {
		status = "unknown"
	}
	r.operationDurationSeconds.WithLabelValues(name, status).Observe(duration.Seconds())
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)
