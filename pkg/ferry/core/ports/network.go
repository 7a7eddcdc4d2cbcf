package ports

import "context"

// NetworkInfo describes the currently attached network, if any.
type NetworkInfo struct {
	// Connected reports whether any usable network is attached.
	Connected bool
	// LinkID is a stable identifier of the attached network (e.g. a BSSID).
	LinkID string
	// Name is the human-readable network name (e.g. an SSID), used as a
	// fallback when no stable identifier is available.
	Name string
}

// NetworkStatusProvider is an abstract interface over the platform's network state.
type NetworkStatusProvider interface {
	Current(ctx context.Context) (NetworkInfo, error)
}
