package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// Module is the Fx module for the liveness supervisor.
// It provides the Supervisor and runs the check-in loop.
var Module = fx.Options(
	fx.Provide(NewSupervisor),
	fx.Invoke(registerLifecycle),
)

// registerLifecycle acquires the wake resource on start and runs check-ins
// until shutdown. An initial acquisition failure is not fatal: the first
// check-in retries it.
func registerLifecycle(lc fx.Lifecycle, s *Supervisor, cfg *config.Config) {
	interval := time.Duration(cfg.Pulseferry.Supervisor.CheckinIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.wake.Acquire(ctx); err != nil {
				logger.Warnf("Could not acquire the wake resource at startup: %v", err)
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				runCheckins(runCtx, s, interval)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			wg.Wait()
			if err := s.wake.Release(); err != nil {
				logger.Warnf("Could not release the wake resource at shutdown: %v", err)
			}
			return nil
		},
	})
}

// runCheckins runs one immediate pass, then one per tick.
func runCheckins(ctx context.Context, s *Supervisor, interval time.Duration) {
	s.CheckIn(ctx, time.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckIn(ctx, time.Now())
		}
	}
}
