package config

// Package config provides structures and utilities for managing application configuration.

import "path/filepath"

// EmbeddedConfig holds the content of the configuration file, typically passed from main.go.
// This is used when loading configuration from an embedded source (e.g., a compiled binary).
type EmbeddedConfig []byte

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the logging level (e.g., "INFO", "DEBUG").
	Level string `yaml:"level"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	// Timezone is the application timezone (e.g., "UTC").
	Timezone string `yaml:"timezone"`
	// Logging is the logging configuration.
	Logging LoggingConfig `yaml:"logging"`
}

// CaptureConfig holds settings for the capture-side batch producer.
type CaptureConfig struct {
	SampleIntervalMs   int `yaml:"sample_interval_ms"`    // SampleIntervalMs is the sampling cadence in milliseconds.
	BatchMaxSamples    int `yaml:"batch_max_samples"`     // BatchMaxSamples seals a batch once this many samples accumulate.
	BatchMaxIntervalMs int `yaml:"batch_max_interval_ms"` // BatchMaxIntervalMs seals a non-empty batch after this interval.
}

// ChunkingConfig holds settings for the chunked transfer codec and assembly store.
type ChunkingConfig struct {
	MaxChunkBytes          int `yaml:"max_chunk_bytes"`          // MaxChunkBytes is the maximum payload size of a single chunk.
	CompressThresholdBytes int `yaml:"compress_threshold_bytes"` // CompressThresholdBytes enables compression above this serialized size.
	StaleTimeoutMs         int `yaml:"stale_timeout_ms"`         // StaleTimeoutMs evicts incomplete assemblies idle longer than this.
}

// QueueConfig holds settings for the durable delivery queue.
type QueueConfig struct {
	Dir         string `yaml:"dir"`          // Dir overrides the queue directory. Empty means <data_dir>/queue.
	MaxEntries  int    `yaml:"max_entries"`  // MaxEntries caps pending entries; the oldest is evicted above it.
	MaxFailures int    `yaml:"max_failures"` // MaxFailures dead-letters an entry after this many consecutive fatal failures.
}

// OffloadConfig holds optional object-storage offload settings for rotated archive segments.
type OffloadConfig struct {
	Enabled bool   `yaml:"enabled"`
	Target  string `yaml:"target"` // Target names a storage connection from the storage section.
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// ArchiveConfig holds settings for the consolidated local archive.
type ArchiveConfig struct {
	// Disabled turns local archival off. Archival is on by default so a
	// zero-config deployment never loses data.
	Disabled               bool          `yaml:"disabled"`
	RetentionHours         int           `yaml:"retention_hours"`          // RetentionHours is the archive retention horizon.
	CleanupIntervalMinutes int           `yaml:"cleanup_interval_minutes"` // CleanupIntervalMinutes is the cadence of retention cleanup.
	Offload                OffloadConfig `yaml:"offload"`
}

// Enabled reports whether local archival is active.
func (c ArchiveConfig) Enabled() bool {
	return !c.Disabled
}

// RetryConfig holds the exponential backoff settings for the uploader leg.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`     // MaxAttempts is the maximum number of attempts per drain pass.
	InitialInterval int     `yaml:"initial_interval"` // InitialInterval is the initial backoff interval in milliseconds.
	MaxInterval     int     `yaml:"max_interval"`     // MaxInterval is the maximum backoff interval in milliseconds.
	Factor          float64 `yaml:"factor"`           // Factor is the multiplier applied to the interval after each attempt.
}

// DeliveryConfig holds settings for the delivery engine and the remote sink.
type DeliveryConfig struct {
	// Enabled turns remote delivery on. Off by default; local archival keeps working.
	Enabled             bool        `yaml:"enabled"`
	ScanIntervalSeconds int         `yaml:"scan_interval_seconds"` // ScanIntervalSeconds is the fixed rescan cadence of the queue.
	MaxPerScan          int         `yaml:"max_per_scan"`          // MaxPerScan caps entries attempted per scan.
	Endpoint            string      `yaml:"endpoint"`              // Endpoint is the remote sink base URL.
	Database            string      `yaml:"database"`              // Database is the target database/bucket name at the sink.
	Username            string      `yaml:"username"`
	Password            string      `yaml:"password"`
	TimeoutSeconds      int         `yaml:"timeout_seconds"` // TimeoutSeconds bounds a single delivery attempt.
	Retry               RetryConfig `yaml:"retry"`
}

// NetworkConfig holds the approved-network gating settings.
type NetworkConfig struct {
	// Allowed lists approved network identifiers (stable link IDs or names).
	// An empty list approves any connected network.
	Allowed []string `yaml:"allowed"`
}

// SupervisorConfig holds settings for the liveness supervisor.
type SupervisorConfig struct {
	CheckinIntervalSeconds   int `yaml:"checkin_interval_seconds"`   // CheckinIntervalSeconds is the supervision cadence.
	FreshnessWindowSeconds   int `yaml:"freshness_window_seconds"`   // FreshnessWindowSeconds is the capture-stall detection window.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"` // HeartbeatIntervalSeconds is the heartbeat cadence.
	DisruptionThreshold      int `yaml:"disruption_threshold"`       // DisruptionThreshold is the wake-release count that raises an alert.
	DisruptionWindowMinutes  int `yaml:"disruption_window_minutes"`  // DisruptionWindowMinutes is the rolling window for the threshold.
}

// StatusConfig holds settings for the status / metrics HTTP endpoint.
type StatusConfig struct {
	Listen string `yaml:"listen"` // Listen is the status server bind address.
	DBRef  string `yaml:"db_ref"` // DBRef names the database connection used by the status repository.
}

// TracingConfig holds OpenTelemetry trace export settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // Endpoint is the OTLP collector endpoint (host:port).
	Protocol string `yaml:"protocol"` // Protocol selects the exporter: "grpc" or "http/protobuf".
	Insecure bool   `yaml:"insecure"` // Insecure disables TLS toward the collector.
}

// TransportConfig holds companion-link settings.
type TransportConfig struct {
	Listen string `yaml:"listen"` // Listen is the relay-side companion listener address.
	Peer   string `yaml:"peer"`   // Peer is the agent-side dial target.
}

// PulseferryConfig holds all configuration under the "pulseferry" top-level key.
type PulseferryConfig struct {
	// System contains system-wide configurations.
	System SystemConfig `yaml:"system"`
	// Capture contains batch producer configurations.
	Capture CaptureConfig `yaml:"capture"`
	// Chunking contains chunk codec and assembly configurations.
	Chunking ChunkingConfig `yaml:"chunking"`
	// Queue contains durable queue configurations.
	Queue QueueConfig `yaml:"queue"`
	// Archive contains local archive configurations.
	Archive ArchiveConfig `yaml:"archive"`
	// Delivery contains delivery engine and remote sink configurations.
	Delivery DeliveryConfig `yaml:"delivery"`
	// Network contains approved-network gating configurations.
	Network NetworkConfig `yaml:"network"`
	// Supervisor contains liveness supervisor configurations.
	Supervisor SupervisorConfig `yaml:"supervisor"`
	// Status contains status endpoint configurations.
	Status StatusConfig `yaml:"status"`
	// Tracing contains trace export configurations.
	Tracing TracingConfig `yaml:"tracing"`
	// Transport contains companion-link configurations.
	Transport TransportConfig `yaml:"transport"`
	// DataDir is the root directory for all locally persisted pipeline state.
	DataDir string `yaml:"data_dir"`
	// AdaptorConfigs holds configurations for named database connections.
	AdaptorConfigs map[string]interface{} `yaml:"database"`
	// StorageConfigs holds configurations for named storage connections.
	StorageConfigs map[string]interface{} `yaml:"storage"`
}

// Config is the root structure for the entire application configuration.
type Config struct {
	// Pulseferry contains the top-level configuration for the delivery pipeline.
	Pulseferry PulseferryConfig `yaml:"pulseferry"`
	// EmbeddedConfig holds configuration loaded from an embedded source, not from YAML.
	EmbeddedConfig EmbeddedConfig `yaml:"-"`
}

// GlobalConfig is a pointer to the configuration instance shared across the application.
// It is expected to be set via fx.Supply or fx.Provide.
var GlobalConfig *Config

// QueueDir returns the pending-queue directory, defaulting under DataDir.
func (c *PulseferryConfig) QueueDir() string {
	if c.Queue.Dir != "" {
		return c.Queue.Dir
	}
	return filepath.Join(c.DataDir, "queue", "pending")
}

// DeadLetterDir returns the dead-letter directory next to the pending queue.
func (c *PulseferryConfig) DeadLetterDir() string {
	return filepath.Join(filepath.Dir(c.QueueDir()), "deadletter")
}

// QuarantineDir returns the quarantine directory next to the pending queue.
func (c *PulseferryConfig) QuarantineDir() string {
	return filepath.Join(filepath.Dir(c.QueueDir()), "quarantine")
}

// ArchiveDir returns the consolidated archive directory.
func (c *PulseferryConfig) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archive")
}

// AssemblyDir returns the chunk assembly checkpoint directory.
func (c *PulseferryConfig) AssemblyDir() string {
	return filepath.Join(c.DataDir, "assembly")
}

// SupervisorDir returns the supervisor state directory.
func (c *PulseferryConfig) SupervisorDir() string {
	return filepath.Join(c.DataDir, "supervisor")
}

// SpoolDir returns the producer-side spool directory.
func (c *PulseferryConfig) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// NewConfig returns a new instance of Config with default values.
//
// Returns:
//
//	A pointer to a new Config instance initialized with default settings.
func NewConfig() *Config {
	cfg := &Config{
		Pulseferry: PulseferryConfig{
			System: SystemConfig{
				Timezone: "UTC", // Default value set to UTC
				Logging:  LoggingConfig{Level: "INFO"},
			},
			Capture: CaptureConfig{
				SampleIntervalMs:   20,
				BatchMaxSamples:    256,
				BatchMaxIntervalMs: 5000,
			},
			Chunking: ChunkingConfig{
				MaxChunkBytes:          3072,
				CompressThresholdBytes: 1024,
				StaleTimeoutMs:         300000, // 5 minutes
			},
			Queue: QueueConfig{
				MaxEntries:  500,
				MaxFailures: 3,
			},
			Archive: ArchiveConfig{
				RetentionHours:         168, // 7 days
				CleanupIntervalMinutes: 360,
				Offload: OffloadConfig{
					Prefix: "pulseferry/archive",
				},
			},
			Delivery: DeliveryConfig{
				ScanIntervalSeconds: 15,
				MaxPerScan:          25,
				TimeoutSeconds:      10,
				Retry: RetryConfig{
					MaxAttempts:     5,
					InitialInterval: 500,
					MaxInterval:     30000,
					Factor:          2.0,
				},
			},
			Supervisor: SupervisorConfig{
				CheckinIntervalSeconds:   30,
				FreshnessWindowSeconds:   90,
				HeartbeatIntervalSeconds: 60,
				DisruptionThreshold:      3,
				DisruptionWindowMinutes:  10,
			},
			Status: StatusConfig{
				Listen: ":9090",
			},
			Tracing: TracingConfig{
				Protocol: "grpc",
			},
			Transport: TransportConfig{
				Listen: ":7460",
			},
			DataDir: "./data",
		},
	}

	// Initialize the named connection maps, to be populated by YAML or by mergeConfig.
	cfg.Pulseferry.AdaptorConfigs = map[string]interface{}{}
	cfg.Pulseferry.StorageConfigs = map[string]interface{}{}
	return cfg
}
