package ports

import (
	"context"
	"time"

	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
)

// Notifier is an abstract interface for surfacing operator-facing alerts.
type Notifier interface {
	// NotifyWakeDisruption reports that the wake resource was externally
	// released more often than the configured threshold within the window.
	NotifyWakeDisruption(ctx context.Context, releases int, window time.Duration)
	// NotifyModeTransition reports an operating mode change and its cause.
	NotifyModeTransition(ctx context.Context, from, to model.OperatingMode, reason model.PauseReason)
}
