package ports

import (
	"context"
	"time"

	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
)

// SampleHandler receives each motion sample as the capture hardware produces it.
type SampleHandler func(sample model.Sample)

// SampleSource is an abstract interface over the capture hardware.
// Subscribe registers the handler; calling it again replaces the registration,
// which is how the liveness supervisor recovers a silently dropped callback.
type SampleSource interface {
	Subscribe(ctx context.Context, h SampleHandler) error
	// LastSampleAt reports when the source last produced a sample.
	// The zero time means no sample has been seen yet.
	LastSampleAt() time.Time
}

// WakeResource is an abstract interface over the platform facility that keeps
// the capture path alive while the device sleeps.
// The platform may release the resource externally at any time.
type WakeResource interface {
	Acquire(ctx context.Context) error
	Release() error
	Held() bool
}
