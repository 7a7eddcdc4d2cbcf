package storage

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	coreAdapter "github.com/kinegraph/pulseferry/pkg/ferry/core/adapter"
	coreConfig "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// ConnectionResolver implements the StorageConnectionResolver interface and
// dispatches connection requests across all registered StorageProviders.
type ConnectionResolver struct {
	providers map[string]StorageProvider
	cfg       *coreConfig.Config
}

// Verify that ConnectionResolver implements both resolver interfaces.
var _ StorageConnectionResolver = (*ConnectionResolver)(nil)
var _ coreAdapter.ResourceConnectionResolver = (*ConnectionResolver)(nil)

// NewConnectionResolver creates a new ConnectionResolver instance.
// The providers slice is collected by Fx from every registered storage adapter module.
func NewConnectionResolver(providers []StorageProvider, cfg *coreConfig.Config) *ConnectionResolver {
	byType := make(map[string]StorageProvider, len(providers))
	for _, p := range providers {
		byType[p.Type()] = p
	}
	return &ConnectionResolver{
		providers: byType,
		cfg:       cfg,
	}
}

// ResolveConnection resolves a generic resource connection by name.
func (r *ConnectionResolver) ResolveConnection(ctx context.Context, name string) (coreAdapter.ResourceConnection, error) {
	return r.ResolveStorageConnection(ctx, name)
}

// ResolveStorageConnection resolves a StorageConnection connection instance by the given name.
// It determines the backend type from the named configuration entry and delegates
// to the provider registered for that type.
func (r *ConnectionResolver) ResolveStorageConnection(ctx context.Context, name string) (StorageConnection, error) {
	namedConfig, ok := r.cfg.Pulseferry.StorageConfigs[name]
	if !ok {
		return nil, fmt.Errorf("storage connection '%s' not found in configuration", name)
	}

	var tempCfg struct {
		Type string `yaml:"type"` // Use yaml tag for decoding.
	}
	decoderConfig := &mapstructure.DecoderConfig{
		Metadata: nil,
		Result:   &tempCfg,
		TagName:  "yaml",
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder for storage connection '%s': %w", name, err)
	}
	if err := decoder.Decode(namedConfig); err != nil {
		return nil, fmt.Errorf("failed to decode storage type for '%s': %w", name, err)
	}

	providerType := tempCfg.Type

	provider, ok := r.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("no storage provider found for type '%s' (connection '%s')", providerType, name)
	}

	conn, err := provider.GetConnection(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage connection '%s' from provider '%s': %w", name, providerType, err)
	}
	logger.Debugf("Resolved storage connection '%s' via provider '%s'.", name, providerType)
	return conn, nil
}

// CloseAll closes every connection held by every registered provider.
func (r *ConnectionResolver) CloseAll() error {
	var errs []error
	for providerType, provider := range r.providers {
		if err := provider.CloseAll(); err != nil {
			errs = append(errs, fmt.Errorf("provider '%s': %w", providerType, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing storage providers: %v", errs)
	}
	return nil
}
