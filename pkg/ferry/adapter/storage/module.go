package storage

import (
	"context"

	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// Module is the Fx module for the storage adapter layer.
// It provides the ConnectionResolver, which collects every StorageProvider
// registered under group:"storage_providers", and closes all storage
// connections on shutdown.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewConnectionResolver,
		fx.ParamTags(`group:"storage_providers"`),
		fx.As(new(StorageConnectionResolver)),
	)),
	fx.Invoke(registerLifecycle),
)

// registerLifecycle closes every registered storage provider when the application stops.
func registerLifecycle(p struct {
	fx.In
	Lifecycle fx.Lifecycle
	Providers []StorageProvider `group:"storage_providers"`
}) {
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			for _, provider := range p.Providers {
				if err := provider.CloseAll(); err != nil {
					logger.Errorf("Failed to close storage connections for provider '%s': %v", provider.Type(), err)
				}
			}
			return nil
		},
	})
}
