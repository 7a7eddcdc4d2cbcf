package netgate_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/netgate"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
)

// stubProvider returns a fixed network state.
type stubProvider struct {
	info ports.NetworkInfo
	err  error
}

func (p *stubProvider) Current(ctx context.Context) (ports.NetworkInfo, error) {
	return p.info, p.err
}

func newGate(t *testing.T, allowed []string, provider ports.NetworkStatusProvider) *netgate.Gate {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Pulseferry.Network.Allowed = allowed
	return netgate.NewGate(cfg, provider)
}

// TestCheck_EmptyAllowListPassesOnAnyConnectedNetwork verifies the
// zero-configuration behavior.
func TestCheck_EmptyAllowListPassesOnAnyConnectedNetwork(t *testing.T) {
	gate := newGate(t, nil, &stubProvider{
		info: ports.NetworkInfo{Connected: true, LinkID: "aa:bb:cc:dd:ee:ff", Name: "cafe-guest"},
	})
	assert.NoError(t, gate.Check(context.Background()))
}

// TestCheck_MatchesLinkIDOrName verifies both identifier forms open the gate.
func TestCheck_MatchesLinkIDOrName(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		info    ports.NetworkInfo
		open    bool
	}{
		{
			name:    "stable link id match",
			allowed: []string{"aa:bb:cc:dd:ee:ff"},
			info:    ports.NetworkInfo{Connected: true, LinkID: "aa:bb:cc:dd:ee:ff", Name: "home"},
			open:    true,
		},
		{
			name:    "name fallback match",
			allowed: []string{"home"},
			info:    ports.NetworkInfo{Connected: true, LinkID: "11:22:33:44:55:66", Name: "home"},
			open:    true,
		},
		{
			name:    "unapproved network",
			allowed: []string{"home"},
			info:    ports.NetworkInfo{Connected: true, LinkID: "11:22:33:44:55:66", Name: "cafe-guest"},
			open:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := newGate(t, tc.allowed, &stubProvider{info: tc.info})
			err := gate.Check(context.Background())
			if tc.open {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, exception.IsTemporary(err), "a closed gate must defer, not fail")
				assert.Contains(t, err.Error(), "not on the approved list")
			}
		})
	}
}

// TestCheck_NoConnectivityDefers verifies that a disconnected device defers
// delivery with a retryable error.
func TestCheck_NoConnectivityDefers(t *testing.T) {
	gate := newGate(t, nil, &stubProvider{info: ports.NetworkInfo{Connected: false}})

	err := gate.Check(context.Background())
	require.Error(t, err)
	assert.True(t, exception.IsTemporary(err))
	assert.Contains(t, err.Error(), "no connected network")
}

// TestCheck_ProviderFailureDefers verifies that an inspection failure is
// treated as a closed gate rather than a delivery failure.
func TestCheck_ProviderFailureDefers(t *testing.T) {
	gate := newGate(t, []string{"home"}, &stubProvider{err: fmt.Errorf("netlink unavailable")})

	err := gate.Check(context.Background())
	require.Error(t, err)
	assert.True(t, exception.IsTemporary(err))
}
