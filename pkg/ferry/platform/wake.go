package platform

import (
	"context"
	"sync"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// ProcessWakeResource models the platform wake facility in-process: held
// while the agent runs, never revoked externally. It exists so the
// supervision loop exercises the same acquire/verify path a device build
// runs against the real facility.
type ProcessWakeResource struct {
	mu   sync.Mutex
	held bool
}

// Verify that ProcessWakeResource implements the port.
var _ ports.WakeResource = (*ProcessWakeResource)(nil)

// NewProcessWakeResource creates a ProcessWakeResource.
func NewProcessWakeResource() *ProcessWakeResource {
	return &ProcessWakeResource{}
}

// Acquire takes the wake resource. Acquiring an already-held resource is a
// no-op, matching platform semantics.
func (w *ProcessWakeResource) Acquire(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.held {
		w.held = true
		logger.Debugf("Wake resource acquired.")
	}
	return nil
}

// Release gives the wake resource back.
func (w *ProcessWakeResource) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held {
		w.held = false
		logger.Debugf("Wake resource released.")
	}
	return nil
}

// Held reports whether the resource is currently held.
func (w *ProcessWakeResource) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}
