package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// Module is the Fx module for the delivery engine.
// It provides the Engine and runs queue scans on a fixed interval.
var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Invoke(registerLifecycle),
)

// registerLifecycle starts the rescan loop when the application starts and
// stops it on shutdown. Nothing starts when remote delivery is disabled;
// batches keep accumulating in the queue and the archive.
func registerLifecycle(lc fx.Lifecycle, e *Engine, cfg *config.Config) {
	if !cfg.Pulseferry.Delivery.Enabled {
		logger.Infof("Remote delivery is disabled. The delivery engine will not start.")
		return
	}

	interval := scanInterval(cfg)

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
				runScans(runCtx, e, interval)
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

// runScans performs one pass immediately, then one per tick until the
// context is cancelled. Batches queued while the process was down should not
// wait a full interval for their first attempt.
func runScans(ctx context.Context, e *Engine, interval time.Duration) {
	logger.Infof("Delivery engine started. Scanning the pending queue every %s.", interval)

	scan := func() {
		result, err := e.ProcessQueue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Errorf("Delivery pass failed: %v", err)
			return
		}
		if result.Attempted > 0 {
			logger.Infof("Delivery pass finished: %s.", result)
		}
	}

	scan()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("Delivery engine stopped.")
			return
		case <-ticker.C:
			scan()
		}
	}
}
