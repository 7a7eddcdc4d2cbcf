package netgate

import (
	"context"
	"net"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
)

// SystemNetworkProvider reads the host's network state from the kernel's
// interface table. The first operational non-loopback interface holding a
// global unicast address is reported as the attached network; its hardware
// address serves as the stable link identifier and the interface name as the
// fallback name. Multi-homed hosts are represented by that primary interface.
type SystemNetworkProvider struct{}

// Verify that SystemNetworkProvider implements the port.
var _ ports.NetworkStatusProvider = (*SystemNetworkProvider)(nil)

// NewSystemNetworkProvider creates a SystemNetworkProvider.
func NewSystemNetworkProvider() *SystemNetworkProvider {
	return &SystemNetworkProvider{}
}

// Current reports the currently attached network.
func (p *SystemNetworkProvider) Current(ctx context.Context) (ports.NetworkInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ports.NetworkInfo{}, exception.NewPipelineError(moduleName, "failed to list network interfaces", err, true)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || !ipNet.IP.IsGlobalUnicast() {
				continue
			}
			return ports.NetworkInfo{
				Connected: true,
				LinkID:    iface.HardwareAddr.String(),
				Name:      iface.Name,
			}, nil
		}
	}

	return ports.NetworkInfo{Connected: false}, nil
}
