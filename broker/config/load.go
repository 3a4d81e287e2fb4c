package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads broker configuration from an optional YAML file plus UNS_*
// environment variables, layered over DefaultBrokerConfig.
//
// An empty path loads defaults and environment only.
func Load(path string) (*BrokerConfig, error) {
	v := viper.New()

	defaults := DefaultBrokerConfig()
	v.SetDefault("storage_provider", defaults.StorageProvider)
	v.SetDefault("connection_string", defaults.ConnectionString)
	v.SetDefault("batch_size", defaults.BatchSize)
	v.SetDefault("batch_flush_interval", defaults.BatchFlushInterval)
	v.SetDefault("max_updates_per_batch", defaults.MaxUpdatesPerBatch)
	v.SetDefault("data_queue_capacity", defaults.DataQueueCapacity)
	v.SetDefault("topic_queue_capacity", defaults.TopicQueueCapacity)
	v.SetDefault("max_storage_retries", defaults.MaxStorageRetries)
	v.SetDefault("storage_retry_backoff", defaults.StorageRetryBackoff)
	v.SetDefault("verified_refresh_interval", defaults.VerifiedRefreshInterval)
	v.SetDefault("cleanup_interval", defaults.CleanupInterval)
	v.SetDefault("realtime_retention", defaults.RealtimeRetention)
	v.SetDefault("historical_retention", defaults.HistoricalRetention)
	v.SetDefault("health_check_interval", defaults.HealthCheckInterval)
	v.SetDefault("start_timeout", defaults.StartTimeout)
	v.SetDefault("stop_timeout", defaults.StopTimeout)
	v.SetDefault("drain_timeout", defaults.DrainTimeout)
	v.SetDefault("pending_topic_capacity", defaults.PendingTopicCapacity)
	v.SetDefault("metrics_listen_addr", defaults.MetricsListenAddr)
	v.SetDefault("tracing_endpoint", defaults.TracingEndpoint)
	v.SetDefault("log_level", defaults.LogLevel)

	v.SetEnvPrefix("UNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &BrokerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
