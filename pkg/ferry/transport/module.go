package transport

import (
	"context"

	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// ServerModule wires the relay-side companion-link listener.
var ServerModule = fx.Options(
	fx.Provide(NewServer),
	fx.Invoke(registerServerLifecycle),
)

// ClientModule wires the agent-side dialer as the companion link.
var ClientModule = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewClient,
			fx.As(new(ports.CompanionLink)),
		),
	),
	fx.Invoke(registerClientLifecycle),
)

func registerServerLifecycle(lc fx.Lifecycle, s *Server, cfg *config.Config) {
	if cfg.Pulseferry.Transport.Listen == "" {
		logger.Infof("No companion listen address configured. The companion link server will not start.")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop()
		},
	})
}

func registerClientLifecycle(lc fx.Lifecycle, link ports.CompanionLink) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return link.Close()
		},
	})
}
