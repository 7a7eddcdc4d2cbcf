package assembly

import (
	"context"
	"sync"

	"go.uber.org/fx"

	logger "github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// Module provides the chunk assembly store and ties its checkpointing and
// stale sweep to the application lifecycle.
var Module = fx.Options(
	fx.Provide(NewStore),
	fx.Invoke(registerLifecycle),
)

// registerLifecycle restores checkpoints and starts the sweep on startup,
// and checkpoints in-flight assemblies on shutdown.
func registerLifecycle(lc fx.Lifecycle, store *Store) {
	var cancel context.CancelFunc
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := store.LoadCheckpoint(ctx); err != nil {
				// A failed restore costs retransmission, not correctness.
				logger.Warnf("Assembly checkpoint restore failed: %v", err)
			}
			runCtx, c := context.WithCancel(context.Background())
			cancel = c
			wg.Add(1)
			go func() {
				defer wg.Done()
				store.runSweeper(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			wg.Wait()
			saved, err := store.SaveCheckpoint(ctx)
			if err != nil {
				logger.Errorf("Assembly checkpointing failed: %v", err)
				return nil
			}
			if saved > 0 {
				logger.Infof("Checkpointed %d in-flight assemblies.", saved)
			}
			return nil
		},
	})
}
