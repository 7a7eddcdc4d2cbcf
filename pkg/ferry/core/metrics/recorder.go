package metrics

import (
	"context"
	"time"
)

// MetricRecorder is an abstract interface for recording metrics along the delivery pipeline.
//
// This interface provides a standardized way to record producer, assembly, queue,
// archive, delivery and supervision events.
// This facilitates integration with different metrics backends (e.g., Prometheus).
type MetricRecorder interface {
	// RecordBatchSealed records that the producer sealed a batch.
	//
	// ctx: The context for the operation.
	// sampleCount: The number of samples in the sealed batch.
	RecordBatchSealed(ctx context.Context, sampleCount int)

	// RecordChunkSent records a chunk shipped over the companion link.
	//
	// ctx: The context for the operation.
	// compression: The compression tag of the chunk ("none", "zstd").
	RecordChunkSent(ctx context.Context, compression string)

	// RecordChunkReceived records a chunk accepted into the assembly store.
	//
	// ctx: The context for the operation.
	// compression: The compression tag of the chunk ("none", "zstd").
	RecordChunkReceived(ctx context.Context, compression string)

	// RecordAssemblyCompleted records a fully reassembled batch.
	RecordAssemblyCompleted(ctx context.Context)

	// RecordAssemblyEvicted records incomplete assemblies dropped as stale.
	//
	// ctx: The context for the operation.
	// count: The number of assemblies evicted by the sweep.
	RecordAssemblyEvicted(ctx context.Context, count int)

	// RecordEnqueue records a batch persisted into a durable queue.
	//
	// ctx: The context for the operation.
	// queue: The queue name ("pending", "spool").
	RecordEnqueue(ctx context.Context, queue string)

	// RecordQueueOverflow records an oldest-entry eviction caused by the queue cap.
	//
	// ctx: The context for the operation.
	// queue: The queue name ("pending", "spool").
	RecordQueueOverflow(ctx context.Context, queue string)

	// RecordQuarantine records an entry set aside as unreadable.
	//
	// ctx: The context for the operation.
	// queue: The queue name.
	// reason: A short cause label (e.g. "unmarshal", "empty").
	RecordQuarantine(ctx context.Context, queue string, reason string)

	// RecordDeliveryAttempt records the outcome of one delivery attempt.
	//
	// ctx: The context for the operation.
	// outcome: The classified outcome ("success", "retryable", "fatal", "deferred").
	RecordDeliveryAttempt(ctx context.Context, outcome string)

	// RecordDeadLetter records an entry moved to the dead-letter directory.
	RecordDeadLetter(ctx context.Context)

	// RecordPendingDepth records the current depth of a durable queue.
	//
	// ctx: The context for the operation.
	// queue: The queue name ("pending", "spool").
	// depth: The number of entries awaiting delivery.
	RecordPendingDepth(ctx context.Context, queue string, depth int)

	// RecordArchiveAppend records a batch appended to the consolidated archive.
	RecordArchiveAppend(ctx context.Context)

	// RecordArchiveCleanup records a retention cleanup pass.
	//
	// ctx: The context for the operation.
	// removed: The number of records removed by the pass.
	RecordArchiveCleanup(ctx context.Context, removed int)

	// RecordHeartbeat records a heartbeat emission.
	//
	// ctx: The context for the operation.
	// mode: The operating mode reported ("ACTIVE", "PAUSED").
	RecordHeartbeat(ctx context.Context, mode string)

	// RecordWakeDisruption records a wake-resource disruption alert.
	RecordWakeDisruption(ctx context.Context)

	// RecordDuration records the execution time of a specific operation.
	//
	// ctx: The context for the operation.
	// name: The name of the duration to record (e.g., "sink_post_duration").
	// duration: The length of the duration to record.
	// tags: A map of additional tags or attributes to associate with the duration.
	//       Example: `{"sink": "influx", "status": "success"}`
	RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string)
}
