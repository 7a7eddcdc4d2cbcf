package main

import (
	"os"

	_ "embed"

	app "github.com/kinegraph/pulseferry/internal/app"
)

// embeddedConfig embeds the content of the agent's YAML configuration file.
// This file is used to load configuration at application startup.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

// main is the entry point of the wrist-side capture agent. It blocks until
// the process receives a termination signal.
func main() {
	// Get the path to the .env file from environment variables. Use ".env" as default if not set.
	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env"
	}

	app.RunCaptureAgent(envFilePath, embeddedConfig)
	os.Exit(0)
}
