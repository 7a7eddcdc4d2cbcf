// Package app assembles the capture agent and the relay daemon from their Fx
// modules. Both binaries share the same bootstrap: load the embedded YAML
// configuration eagerly, then hand the composed module graph to Fx and run
// until a termination signal unwinds the lifecycle hooks.
package app

import (
	"go.uber.org/fx"

	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// RunCaptureAgent starts the wrist-side capture daemon: sample source, batch
// producer, durable spool, companion-link uploader and liveness supervisor.
//
// Parameters:
//
//	envFilePath: The path to an optional .env file.
//	embeddedConfig: The embedded application.yaml bytes.
func RunCaptureAgent(envFilePath string, embeddedConfig config.EmbeddedConfig) {
	run(envFilePath, embeddedConfig, captureModules())
}

// RunRelay starts the companion-side relay daemon: companion-link listener,
// chunk assembly, durable queue, consolidated archive, delivery engine and
// the status surface.
//
// Parameters:
//
//	envFilePath: The path to an optional .env file.
//	embeddedConfig: The embedded application.yaml bytes.
func RunRelay(envFilePath string, embeddedConfig config.EmbeddedConfig) {
	run(envFilePath, embeddedConfig, relayModules())
}

// run loads the configuration, builds the Fx application around the role's
// modules and blocks until shutdown.
func run(envFilePath string, embeddedConfig config.EmbeddedConfig, role fx.Option) {
	cfg, err := config.LoadConfig(envFilePath, embeddedConfig)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	app := fx.New(
		fx.Supply(cfg),
		logger.Module,
		config.Module,
		role,
	)

	// Run blocks until SIGINT/SIGTERM, then executes the OnStop hooks in
	// reverse registration order.
	app.Run()

	if err := app.Err(); err != nil {
		logger.Fatalf("Application run failed: %v", err)
	}
}
