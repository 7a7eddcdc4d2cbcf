package ports

import (
	"context"

	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
)

// CompanionLink is an abstract interface over the transport to the companion
// relay. Chunk sends are confirmed per batch by the transport layer; heartbeat
// and diagnostic sends are fire-and-forget.
type CompanionLink interface {
	// SendChunk ships one chunk of a batch to the companion.
	SendChunk(ctx context.Context, chunk model.Chunk) error
	// SendHeartbeat ships a liveness report. Failures are logged, never retried.
	SendHeartbeat(ctx context.Context, hb model.Heartbeat) error
	// SendDiagnostic ships a structured diagnostic event. Fire-and-forget.
	SendDiagnostic(ctx context.Context, kind string, fields map[string]string) error
	// Close releases the underlying connection.
	Close() error
}
