// Package config provides broker runtime configuration.
//
// This module contains only configuration relevant to the broker core:
// batching, retention, maintenance cadence, and the storage provider
// selector. Plugin-specific options live in each connection's typed
// configuration document, decoded by its descriptor.
package config

import (
	"fmt"
	"time"
)

// Storage provider selectors.
const (
	// StorageProviderInMemory selects the in-process storage provider.
	StorageProviderInMemory = "inmemory"
	// StorageProviderSQLite selects an external SQLite-backed provider.
	// The provider itself is supplied by the hosting process.
	StorageProviderSQLite = "sqlite"
)

// BrokerConfig holds broker core configuration.
//
// Retentions and cadences are configuration, not constants; the defaults
// match steady-state plant telemetry.
type BrokerConfig struct {
	// Storage
	StorageProvider  string `json:"storage_provider" mapstructure:"storage_provider"`
	ConnectionString string `json:"connection_string,omitempty" mapstructure:"connection_string"`

	// Ingestion batching
	BatchSize          int           `json:"batch_size" mapstructure:"batch_size"`
	BatchFlushInterval time.Duration `json:"batch_flush_interval" mapstructure:"batch_flush_interval"`
	MaxUpdatesPerBatch int           `json:"max_updates_per_batch" mapstructure:"max_updates_per_batch"`
	DataQueueCapacity  int           `json:"data_queue_capacity" mapstructure:"data_queue_capacity"`
	TopicQueueCapacity int           `json:"topic_queue_capacity" mapstructure:"topic_queue_capacity"`

	// Storage retry
	MaxStorageRetries   int           `json:"max_storage_retries" mapstructure:"max_storage_retries"`
	StorageRetryBackoff time.Duration `json:"storage_retry_backoff" mapstructure:"storage_retry_backoff"`

	// Maintenance cadence
	VerifiedRefreshInterval time.Duration `json:"verified_refresh_interval" mapstructure:"verified_refresh_interval"`
	CleanupInterval         time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
	RealtimeRetention       time.Duration `json:"realtime_retention" mapstructure:"realtime_retention"`
	HistoricalRetention     time.Duration `json:"historical_retention" mapstructure:"historical_retention"`

	// Connection lifecycle
	HealthCheckInterval time.Duration `json:"health_check_interval" mapstructure:"health_check_interval"`
	StartTimeout        time.Duration `json:"start_timeout" mapstructure:"start_timeout"`
	StopTimeout         time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`

	// Shutdown
	DrainTimeout time.Duration `json:"drain_timeout" mapstructure:"drain_timeout"`

	// Auto-mapper
	PendingTopicCapacity int `json:"pending_topic_capacity" mapstructure:"pending_topic_capacity"`

	// Observability
	MetricsListenAddr string `json:"metrics_listen_addr" mapstructure:"metrics_listen_addr"`
	TracingEndpoint   string `json:"tracing_endpoint,omitempty" mapstructure:"tracing_endpoint"`

	// Logging
	LogLevel string `json:"log_level" mapstructure:"log_level"`
}

// DefaultBrokerConfig returns a BrokerConfig with default values.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		StorageProvider: StorageProviderInMemory,

		BatchSize:          500,
		BatchFlushInterval: 500 * time.Millisecond,
		MaxUpdatesPerBatch: 50,
		DataQueueCapacity:  100000,
		TopicQueueCapacity: 10000,

		MaxStorageRetries:   3,
		StorageRetryBackoff: 100 * time.Millisecond,

		VerifiedRefreshInterval: 5 * time.Minute,
		CleanupInterval:         6 * time.Hour,
		RealtimeRetention:       24 * time.Hour,
		HistoricalRetention:     30 * 24 * time.Hour,

		HealthCheckInterval: 30 * time.Second,
		StartTimeout:        30 * time.Second,
		StopTimeout:         10 * time.Second,

		DrainTimeout: 10 * time.Second,

		PendingTopicCapacity: 10000,

		MetricsListenAddr: ":9090",

		LogLevel: "info",
	}
}

// Validate checks configuration invariants.
func (c *BrokerConfig) Validate() error {
	if c.StorageProvider != StorageProviderInMemory && c.StorageProvider != StorageProviderSQLite {
		return fmt.Errorf("unknown storage provider %q", c.StorageProvider)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BatchFlushInterval <= 0 {
		return fmt.Errorf("batch_flush_interval must be positive, got %s", c.BatchFlushInterval)
	}
	if c.MaxUpdatesPerBatch <= 0 {
		return fmt.Errorf("max_updates_per_batch must be positive, got %d", c.MaxUpdatesPerBatch)
	}
	if c.DataQueueCapacity <= 0 || c.TopicQueueCapacity <= 0 {
		return fmt.Errorf("queue capacities must be positive")
	}
	if c.MaxStorageRetries < 0 {
		return fmt.Errorf("max_storage_retries must not be negative, got %d", c.MaxStorageRetries)
	}
	if c.RealtimeRetention <= 0 || c.HistoricalRetention <= 0 {
		return fmt.Errorf("retentions must be positive")
	}
	if c.PendingTopicCapacity <= 0 {
		return fmt.Errorf("pending_topic_capacity must be positive, got %d", c.PendingTopicCapacity)
	}
	return nil
}
