package platform

import (
	"context"
	"time"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// LogNotifier surfaces operator alerts through the application log. A device
// build would raise platform notifications instead.
type LogNotifier struct{}

// Verify that LogNotifier implements the port.
var _ ports.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// NotifyWakeDisruption reports repeated external wake releases.
func (n *LogNotifier) NotifyWakeDisruption(ctx context.Context, releases int, window time.Duration) {
	logger.Warnf("ALERT: wake resource was externally released %d times in the last %s.", releases, window)
}

// NotifyModeTransition reports an operating mode change and its cause.
func (n *LogNotifier) NotifyModeTransition(ctx context.Context, from, to model.OperatingMode, reason model.PauseReason) {
	if reason == model.PauseReasonNone {
		logger.Infof("Operating mode changed: %s -> %s.", from, to)
		return
	}
	logger.Infof("Operating mode changed: %s -> %s (%s).", from, to, reason)
}
