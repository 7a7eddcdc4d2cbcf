package status

import (
	"context"

	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
	"github.com/kinegraph/pulseferry/pkg/ferry/transport"

	// Blank imports register the database dialectors with the GORM adapter.
	_ "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/gorm/mysql"
	_ "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/gorm/postgres"
	_ "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/gorm/sqlite"
)

// Module is the Fx module for the status surface. It provides the delivery
// outcome repository (journaling the delivery engine's outcomes) and serves
// the status endpoint.
var Module = fx.Options(
	fx.Provide(
		NewRepository,
		provideJournal,
		provideHeartbeatSource,
		NewServer,
	),
	fx.Invoke(registerLifecycle),
)

func provideJournal(r Repository) ports.DeliveryJournal {
	return r
}

func provideHeartbeatSource(srv *transport.Server) HeartbeatSource {
	return srv
}

// registerLifecycle runs the status server between application start and
// stop and closes the repository after the server has drained.
func registerLifecycle(lc fx.Lifecycle, s *Server, repo Repository, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return repo.Close()
		},
	})

	if cfg.Pulseferry.Status.Listen == "" {
		logger.Infof("Status listen address is empty, the status server stays off.")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}
