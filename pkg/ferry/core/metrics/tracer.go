package metrics

import (
	"context"
)

// Tracer is an abstract interface for distributed tracing.
// This interface provides functionality to integrate with tracing systems like
// OpenTelemetry, enabling visualization of batch assembly and delivery flows.
type Tracer interface {
	// StartDeliverySpan starts a Span covering one delivery attempt of a batch.
	//
	// ctx: The parent context.
	// batchID: The batch being delivered.
	//
	// Returns: A context with the new Span set, and a function to end the Span.
	//          It is recommended to call the returned function in a defer statement.
	StartDeliverySpan(ctx context.Context, batchID string) (context.Context, func())

	// StartAssemblySpan starts a Span covering the reassembly of one batch.
	//
	// ctx: The parent context.
	// batchID: The batch being reassembled.
	//
	// Returns: A context with the new Span set, and a function to end the Span.
	StartAssemblySpan(ctx context.Context, batchID string) (context.Context, func())

	// RecordError records an error in the current Span.
	//
	// ctx: The context with the current Span.
	// module: The name of the module where the error occurred (e.g., "sink", "queue").
	// err: The error to record.
	RecordError(ctx context.Context, module string, err error)

	// RecordEvent records an event in the current Span.
	//
	// ctx: The context with the current Span.
	// name: The name of the event (e.g., "chunk_received", "dead_lettered").
	// attributes: Additional attributes to associate with the event.
	RecordEvent(ctx context.Context, name string, attributes map[string]interface{})
}
