// Package platform supplies development-host implementations of the capture
// agent's hardware ports: a synthetic motion source, an in-process wake
// resource and a log-backed notifier. A device build replaces this package
// with adapters over the real platform APIs; everything above the ports is
// unchanged.
package platform

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const moduleName = "platform"

// SyntheticSource produces motion samples on the configured cadence: a
// damped random walk on the primary value plus jittered per-axis readings.
// Subscribe swaps the registered handler; the generation loop itself runs
// from Start to Stop regardless of who is listening, like real capture
// hardware does.
type SyntheticSource struct {
	interval time.Duration
	rng      *rand.Rand

	mu      sync.RWMutex
	handler ports.SampleHandler

	lastAt atomicTime

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Verify that SyntheticSource implements the port.
var _ ports.SampleSource = (*SyntheticSource)(nil)

// NewSyntheticSource creates a SyntheticSource.
//
// Parameters:
//
//	cfg: The application configuration (sampling cadence).
//
// Returns:
//
//	A pointer to the SyntheticSource.
func NewSyntheticSource(cfg *config.Config) *SyntheticSource {
	interval := time.Duration(cfg.Pulseferry.Capture.SampleIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &SyntheticSource{
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers the handler that receives each sample. Calling it
// again replaces the previous registration.
func (s *SyntheticSource) Subscribe(ctx context.Context, h ports.SampleHandler) error {
	if h == nil {
		return exception.NewPipelineError(moduleName, "cannot subscribe a nil sample handler", nil, false)
	}
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	logger.Debugf("Capture handler registered on the synthetic source.")
	return nil
}

// LastSampleAt reports when the source last produced a sample.
func (s *SyntheticSource) LastSampleAt() time.Time {
	return s.lastAt.Load()
}

// Start launches the generation loop.
func (s *SyntheticSource) Start() {
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	logger.Infof("Synthetic capture source started at %s per sample.", s.interval)
}

// Stop ends the generation loop and waits for it to exit.
func (s *SyntheticSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SyntheticSource) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var v float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		v = v*0.98 + s.rng.NormFloat64()*0.1
		sample := model.Sample{
			Timestamp:    time.Now().UnixMilli(),
			PrimaryValue: v,
			Aux: map[string]float64{
				"ax": s.rng.NormFloat64() * 0.02,
				"ay": s.rng.NormFloat64() * 0.02,
				"az": 1 + s.rng.NormFloat64()*0.02,
			},
		}
		s.lastAt.Store(time.Now())

		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h != nil {
			h(sample)
		}
	}
}

// atomicTime is a time.Time guarded for concurrent store/load.
type atomicTime struct {
	mu sync.RWMutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.t
}
