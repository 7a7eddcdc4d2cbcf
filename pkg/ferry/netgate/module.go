package netgate

import (
	"go.uber.org/fx"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
)

// Module is the Fx module for approved-network gating.
// It provides the system network state source and the Gate built on it.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewSystemNetworkProvider,
		fx.As(new(ports.NetworkStatusProvider)),
	)),
	fx.Provide(NewGate),
)
