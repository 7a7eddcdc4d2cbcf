// Package gcs provides the Fx module for the GCS storage adapter.
package gcs

import (
	"go.uber.org/fx"

	storageAdapter "github.com/kinegraph/pulseferry/pkg/ferry/adapter/storage"
)

// Module is the Fx module for the GCS storage adapter.
// It provides the GCSProvider to the Fx application graph.
var Module = fx.Options(
	// Provide NewGCSProvider and tag it with group:"storage_providers".
	fx.Provide(fx.Annotate(
		NewGCSProvider,
		fx.As(new(storageAdapter.StorageProvider)), // Provide as StorageProvider interface.
		fx.ResultTags(`group:"storage_providers"`), // Tag for Fx to collect into []storage.StorageProvider.
	)),
)
