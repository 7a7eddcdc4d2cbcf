package sink

import (
	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
)

// Module provides the HTTP sink as the pipeline's delivery target.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewHTTPSink,
			fx.As(new(ports.Sink)),
		),
	),
)
