package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"

	"go.uber.org/fx"
)

// Package config provides utilities for loading and managing application configuration
// from various sources, including YAML files and environment variables.

const moduleName = "config"

// ConfigParams defines the dependencies for NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig      // EmbeddedConfig contains the raw bytes of the configuration file.
	Expander       EnvironmentExpander // Expander resolves ${VAR} placeholders inside the embedded YAML.
	EnvFilePath    string              `name:"envFilePath" optional:"true"` // EnvFilePath is the path to the .env file, if any.
}

// loadConfig loads configuration from the embedded YAML and environment variables.
// This function is intended to be called only once during application startup.
//
// Parameters:
//   envFilePath: The path to the .env file.
//   embeddedConfig: The embedded configuration bytes.
//   expander: The placeholder expander applied to the embedded bytes.
// Returns:
//   A pointer to the loaded Config and an error if loading fails.
func loadConfig(envFilePath string, embeddedConfig EmbeddedConfig, expander EnvironmentExpander) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(); err != nil {
			logger.Debugf(".env file not found or could not be loaded: %v", err)
		}
	}

	cfg := NewConfig()

	// 1. Load defaults from NewConfig()

	// 2. Expand ${VAR} placeholders in the embedded YAML. godotenv must run
	// first so .env values participate in the expansion.
	expanded := []byte(embeddedConfig)
	if expander != nil {
		var err error
		expanded, err = expander.Expand(expanded)
		if err != nil {
			return nil, exception.NewPipelineError(moduleName, "failed to expand placeholders in embedded config", err, false)
		}
	}

	// 3. Load configuration from embedded YAML into a temporary Config struct.
	// This ensures that YAML values are correctly parsed into their respective types.
	var yamlConfig Config
	if err := yaml.Unmarshal(expanded, &yamlConfig); err != nil {
		return nil, exception.NewPipelineError(moduleName, "failed to unmarshal embedded config", err, false)
	}

	// 4. Merge YAML configuration into the default configuration.
	mergeConfig(cfg, &yamlConfig)

	// 5. Override with environment variables
	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.NewPipelineError(moduleName, "failed to load config from environment variables", err, false)
	}
	return cfg, nil
}

// NewConfigProvider is an Fx provider that loads and provides *Config.
// It initializes the application configuration by loading defaults,
// merging from embedded YAML, and overriding with environment variables.
// It also sets the global logger level and validates the loaded values.
//
// Parameters:
//   params: ConfigParams containing dependencies like embedded config and env file path.
// Returns:
//   A pointer to the initialized Config and an error if configuration loading or validation fails.
func NewConfigProvider(params ConfigParams) (*Config, error) {
	cfg, err := loadConfig(params.EnvFilePath, params.EmbeddedConfig, params.Expander)
	if err != nil {
		return nil, exception.NewPipelineError(moduleName, "failed to load configuration", err, false)
	}
	return finalizeConfig(cfg)
}

// finalizeConfig applies the log level, validates cross-field constraints and
// publishes the result as GlobalConfig. Shared by the eager and the
// Fx-provided loading paths.
func finalizeConfig(cfg *Config) (*Config, error) {
	logger.SetLogLevel(cfg.Pulseferry.System.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Pulseferry.System.Logging.Level)

	if err := validateConfig(cfg); err != nil {
		return nil, exception.NewPipelineError(moduleName, "invalid configuration", err, false)
	}

	GlobalConfig = cfg
	return cfg, nil
}

// LoadConfig loads configuration from the embedded bytes and environment variables.
// This function is expected to be called only once during application startup.
//
// Parameters:
//   envFilePath: The path to the .env file.
//   embeddedConfig: The embedded configuration bytes.
// Returns:
//   A pointer to the loaded Config and an error if loading fails.
func LoadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	cfg, err := loadConfig(envFilePath, embeddedConfig, NewOsEnvironmentExpander())
	if err != nil {
		return nil, err
	}
	return finalizeConfig(cfg)
}

// validateConfig checks cross-field constraints that yaml decoding cannot express.
func validateConfig(cfg *Config) error {
	pf := &cfg.Pulseferry

	// 1. Remote delivery needs an endpoint to talk to.
	if pf.Delivery.Enabled && pf.Delivery.Endpoint == "" {
		return fmt.Errorf("delivery is enabled but no endpoint is configured")
	}

	// 2. The tracing protocol must name a supported exporter.
	switch pf.Tracing.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("unsupported tracing protocol: %q", pf.Tracing.Protocol)
	}

	// 3. Archive offload must reference a configured storage connection.
	if pf.Archive.Offload.Enabled {
		if pf.Archive.Offload.Target == "" {
			return fmt.Errorf("archive offload is enabled but no target is configured")
		}
		if _, ok := pf.StorageConfigs[pf.Archive.Offload.Target]; !ok {
			return fmt.Errorf("archive offload references unknown storage connection: %q", pf.Archive.Offload.Target)
		}
	}

	return nil
}

// mergeConfig performs a deep merge from sourceConfig into destConfig.
// Values in sourceConfig will overwrite corresponding values in destConfig
// if they are not zero/empty values for their type.
//
// Parameters:
//   destConfig: The destination Config to merge into.
//   sourceConfig: The source Config to merge from.
func mergeConfig(destConfig, sourceConfig *Config) {
	mergePulseferryConfig(&destConfig.Pulseferry, &sourceConfig.Pulseferry)
}

// mergePulseferryConfig merges source into dest.
//
// Parameters:
//   dest: The destination PulseferryConfig to merge into.
//   source: The source PulseferryConfig to merge from.
func mergePulseferryConfig(dest, source *PulseferryConfig) {
	// Merge SystemConfig
	if source.System.Timezone != "" {
		dest.System.Timezone = source.System.Timezone
	}
	if source.System.Logging.Level != "" {
		dest.System.Logging.Level = source.System.Logging.Level
	}

	// Merge CaptureConfig
	if source.Capture.SampleIntervalMs != 0 {
		dest.Capture.SampleIntervalMs = source.Capture.SampleIntervalMs
	}
	if source.Capture.BatchMaxSamples != 0 {
		dest.Capture.BatchMaxSamples = source.Capture.BatchMaxSamples
	}
	if source.Capture.BatchMaxIntervalMs != 0 {
		dest.Capture.BatchMaxIntervalMs = source.Capture.BatchMaxIntervalMs
	}

	// Merge ChunkingConfig
	if source.Chunking.MaxChunkBytes != 0 {
		dest.Chunking.MaxChunkBytes = source.Chunking.MaxChunkBytes
	}
	if source.Chunking.CompressThresholdBytes != 0 {
		dest.Chunking.CompressThresholdBytes = source.Chunking.CompressThresholdBytes
	}
	if source.Chunking.StaleTimeoutMs != 0 {
		dest.Chunking.StaleTimeoutMs = source.Chunking.StaleTimeoutMs
	}

	// Merge QueueConfig
	if source.Queue.Dir != "" {
		dest.Queue.Dir = source.Queue.Dir
	}
	if source.Queue.MaxEntries != 0 {
		dest.Queue.MaxEntries = source.Queue.MaxEntries
	}
	if source.Queue.MaxFailures != 0 {
		dest.Queue.MaxFailures = source.Queue.MaxFailures
	}

	// Merge ArchiveConfig. Disabled can only be switched on here; the default
	// keeps archival running.
	if source.Archive.Disabled {
		dest.Archive.Disabled = true
	}
	if source.Archive.RetentionHours != 0 {
		dest.Archive.RetentionHours = source.Archive.RetentionHours
	}
	if source.Archive.CleanupIntervalMinutes != 0 {
		dest.Archive.CleanupIntervalMinutes = source.Archive.CleanupIntervalMinutes
	}
	if source.Archive.Offload.Enabled {
		dest.Archive.Offload.Enabled = true
	}
	if source.Archive.Offload.Target != "" {
		dest.Archive.Offload.Target = source.Archive.Offload.Target
	}
	if source.Archive.Offload.Bucket != "" {
		dest.Archive.Offload.Bucket = source.Archive.Offload.Bucket
	}
	if source.Archive.Offload.Prefix != "" {
		dest.Archive.Offload.Prefix = source.Archive.Offload.Prefix
	}

	// Merge DeliveryConfig
	if source.Delivery.Enabled {
		dest.Delivery.Enabled = true
	}
	if source.Delivery.ScanIntervalSeconds != 0 {
		dest.Delivery.ScanIntervalSeconds = source.Delivery.ScanIntervalSeconds
	}
	if source.Delivery.MaxPerScan != 0 {
		dest.Delivery.MaxPerScan = source.Delivery.MaxPerScan
	}
	if source.Delivery.Endpoint != "" {
		dest.Delivery.Endpoint = source.Delivery.Endpoint
	}
	if source.Delivery.Database != "" {
		dest.Delivery.Database = source.Delivery.Database
	}
	if source.Delivery.Username != "" {
		dest.Delivery.Username = source.Delivery.Username
	}
	if source.Delivery.Password != "" {
		dest.Delivery.Password = source.Delivery.Password
	}
	if source.Delivery.TimeoutSeconds != 0 {
		dest.Delivery.TimeoutSeconds = source.Delivery.TimeoutSeconds
	}
	mergeRetryConfig(&dest.Delivery.Retry, &source.Delivery.Retry)

	// Merge NetworkConfig
	if source.Network.Allowed != nil {
		dest.Network.Allowed = source.Network.Allowed
	}

	// Merge SupervisorConfig
	if source.Supervisor.CheckinIntervalSeconds != 0 {
		dest.Supervisor.CheckinIntervalSeconds = source.Supervisor.CheckinIntervalSeconds
	}
	if source.Supervisor.FreshnessWindowSeconds != 0 {
		dest.Supervisor.FreshnessWindowSeconds = source.Supervisor.FreshnessWindowSeconds
	}
	if source.Supervisor.HeartbeatIntervalSeconds != 0 {
		dest.Supervisor.HeartbeatIntervalSeconds = source.Supervisor.HeartbeatIntervalSeconds
	}
	if source.Supervisor.DisruptionThreshold != 0 {
		dest.Supervisor.DisruptionThreshold = source.Supervisor.DisruptionThreshold
	}
	if source.Supervisor.DisruptionWindowMinutes != 0 {
		dest.Supervisor.DisruptionWindowMinutes = source.Supervisor.DisruptionWindowMinutes
	}

	// Merge StatusConfig
	if source.Status.Listen != "" {
		dest.Status.Listen = source.Status.Listen
	}
	if source.Status.DBRef != "" {
		dest.Status.DBRef = source.Status.DBRef
	}

	// Merge TracingConfig
	if source.Tracing.Enabled {
		dest.Tracing.Enabled = true
	}
	if source.Tracing.Endpoint != "" {
		dest.Tracing.Endpoint = source.Tracing.Endpoint
	}
	if source.Tracing.Protocol != "" {
		dest.Tracing.Protocol = source.Tracing.Protocol
	}
	if source.Tracing.Insecure {
		dest.Tracing.Insecure = true
	}

	// Merge TransportConfig
	if source.Transport.Listen != "" {
		dest.Transport.Listen = source.Transport.Listen
	}
	if source.Transport.Peer != "" {
		dest.Transport.Peer = source.Transport.Peer
	}

	if source.DataDir != "" {
		dest.DataDir = source.DataDir
	}

	// Merge AdaptorConfigs (named database connections)
	if source.AdaptorConfigs != nil {
		if dest.AdaptorConfigs == nil {
			dest.AdaptorConfigs = make(map[string]interface{})
		}
		for key, value := range source.AdaptorConfigs {
			dest.AdaptorConfigs[key] = value
		}
	}

	// Merge StorageConfigs (named storage connections)
	if source.StorageConfigs != nil {
		if dest.StorageConfigs == nil {
			dest.StorageConfigs = make(map[string]interface{})
		}
		for key, value := range source.StorageConfigs {
			dest.StorageConfigs[key] = value
		}
	}
}

// mergeRetryConfig merges source into dest.
//
// Parameters:
//   dest: The destination RetryConfig to merge into.
//   source: The source RetryConfig to merge from.
func mergeRetryConfig(dest, source *RetryConfig) {
	// Only overwrite if source value is not zero/empty
	if source.MaxAttempts != 0 {
		dest.MaxAttempts = source.MaxAttempts
	}
	if source.InitialInterval != 0 {
		dest.InitialInterval = source.InitialInterval
	}
	if source.MaxInterval != 0 {
		dest.MaxInterval = source.MaxInterval
	}
	if source.Factor != 0 {
		dest.Factor = source.Factor
	}
}

// loadStructFromEnv recursively loads configuration values into a struct from environment variables.
// It uses the "yaml" tag to determine the environment variable name.
//
// Parameters:
//   val: The reflect.Value of the struct to populate.
//   prefix: The prefix for environment variable names (e.g., "PULSEFERRY_QUEUE_").
// Returns: An error if any field cannot be set.
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}

		if field.Kind() == reflect.Map {
			// Named connection maps are populated from YAML only.
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}

		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// setField sets the value of a reflect.Value field based on its kind.
// It handles string, int, float, and bool types.
//
// Parameters:
//   field: The reflect.Value of the field to set.
//   value: The string value to convert and set.
func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(intValue)
	case reflect.Float64, reflect.Float32:
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolValue)
	}
	return nil
}
