package platform

import (
	"context"

	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
)

// Module is the Fx module for the development-host platform adapters.
// It provides the synthetic sample source, the in-process wake resource and
// the log notifier, and runs the source for the application's lifetime.
var Module = fx.Options(
	fx.Provide(
		NewSyntheticSource,
		provideSampleSource,
		fx.Annotate(NewProcessWakeResource, fx.As(new(ports.WakeResource))),
		fx.Annotate(NewLogNotifier, fx.As(new(ports.Notifier))),
	),
	fx.Invoke(registerLifecycle),
)

func provideSampleSource(s *SyntheticSource) ports.SampleSource {
	return s
}

// registerLifecycle runs the synthetic source's generation loop between
// application start and stop.
func registerLifecycle(lc fx.Lifecycle, s *SyntheticSource) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	})
}
