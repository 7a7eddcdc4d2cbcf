package archive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// Module is the Fx module for the consolidated archive.
// It provides the Archive and runs retention cleanup on a timer.
var Module = fx.Options(
	fx.Provide(NewArchive),
	fx.Invoke(registerLifecycle),
)

// registerLifecycle starts the retention cleanup timer when the application
// starts and stops it on shutdown. Staged offload segments left over from a
// previous run are drained before the first tick.
func registerLifecycle(lc fx.Lifecycle, a *Archive, cfg *config.Config) {
	if !a.Enabled() {
		return
	}

	interval := time.Duration(cfg.Pulseferry.Archive.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		logger.Warnf("Archive cleanup interval is not positive, retention cleanup is disabled.")
		return
	}

	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				runTimer(runCtx, a, interval)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			wg.Wait()
			return nil
		},
	})
}

// runTimer drains leftover staged segments, then runs cleanup followed by an
// offload pass on every tick until the context is cancelled.
func runTimer(ctx context.Context, a *Archive, interval time.Duration) {
	if _, err := a.OffloadStaged(ctx); err != nil {
		logger.Warnf("Startup archive offload pass failed, segments stay staged: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Cleanup(ctx, time.Now()); err != nil {
				logger.Errorf("Archive cleanup pass failed: %v", err)
				continue
			}
			if _, err := a.OffloadStaged(ctx); err != nil {
				logger.Warnf("Archive offload pass failed, segments stay staged: %v", err)
			}
		}
	}
}
