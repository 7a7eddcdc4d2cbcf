package producer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
)

// Module is the Fx module for the capture-side producer. It provides the
// batcher and the uploader, subscribes the batcher to the sample source, and
// runs the interval flusher and the spool drain loop.
var Module = fx.Options(
	fx.Provide(
		NewProducer,
		NewUploader,
		provideSampleHandler,
	),
	fx.Invoke(registerLifecycle),
)

// provideSampleHandler exposes the producer's ingestion callback so the
// liveness supervisor can re-register it when the capture stream goes quiet.
func provideSampleHandler(p *Producer) ports.SampleHandler {
	return p.HandleSample
}

// registerLifecycle wires the capture pipeline to the application lifecycle:
// subscribe to the sample source on start, seal partial batches on a timer,
// drain the spool in the background, and flush the tail on shutdown so no
// buffered sample is lost across restarts.
func registerLifecycle(lc fx.Lifecycle, p *Producer, u *Uploader, source ports.SampleSource, cfg *config.Config) {
	flushInterval := time.Duration(cfg.Pulseferry.Capture.BatchMaxIntervalMs) * time.Millisecond
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := source.Subscribe(ctx, p.HandleSample); err != nil {
				return err
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			wg.Add(2)
			go func() {
				defer wg.Done()
				runFlusher(runCtx, p, flushInterval)
			}()
			go func() {
				defer wg.Done()
				u.Run(runCtx, p.Kicks())
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			wg.Wait()
			// The uploader is already stopped; the tail batch lands in the
			// spool and ships on the next run.
			p.FlushInterval(context.Background())
			return nil
		},
	})
}

// runFlusher seals whatever accumulated in the buffer on every tick so a
// quiet stream still produces batches within the interval bound.
func runFlusher(ctx context.Context, p *Producer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.FlushInterval(ctx)
		}
	}
}
