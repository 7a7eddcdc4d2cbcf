package intake

import (
	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
)

// Module provides the intake handler as the pipeline's batch persistence.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewHandler,
			fx.As(new(ports.BatchHandler)),
		),
	),
)
