// Package netgate decides whether the currently attached network is approved
// for remote delivery. The gate exists to keep batch uploads off metered or
// untrusted networks; a closed gate defers delivery, it never fails a batch.
package netgate

import (
	"context"
	"fmt"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const moduleName = "netgate"

// Gate evaluates the approved-network predicate against the platform's
// current network state.
type Gate struct {
	allowed  []string
	provider ports.NetworkStatusProvider
}

// NewGate creates a Gate from the configured allow-list.
//
// Parameters:
//
//	cfg: The application configuration.
//	provider: The platform network state source.
//
// Returns:
//
//	A pointer to the Gate.
func NewGate(cfg *config.Config, provider ports.NetworkStatusProvider) *Gate {
	allowed := cfg.Pulseferry.Network.Allowed
	if len(allowed) == 0 {
		logger.Infof("No network allow-list configured. Delivery proceeds on any connected network.")
	}
	return &Gate{
		allowed:  allowed,
		provider: provider,
	}
}

// Check returns nil when delivery may proceed on the currently attached
// network. A network is approved when its stable link identifier or its name
// matches an allow-list entry; an empty allow-list approves any connected
// network. The returned error is always retryable: the caller defers the
// work and re-evaluates on its next pass.
//
// Parameters:
//
//	ctx: The context for the operation.
//
// Returns:
//
//	nil when the gate is open, a retryable error describing why it is closed.
func (g *Gate) Check(ctx context.Context) error {
	info, err := g.provider.Current(ctx)
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to inspect network state", err, true)
	}
	if !info.Connected {
		return exception.NewPipelineError(moduleName, "no connected network", nil, true)
	}
	if len(g.allowed) == 0 {
		return nil
	}
	for _, entry := range g.allowed {
		if entry == info.LinkID || entry == info.Name {
			return nil
		}
	}
	return exception.NewPipelineError(moduleName,
		fmt.Sprintf("network '%s' (link %s) is not on the approved list", info.Name, info.LinkID), nil, true)
}
