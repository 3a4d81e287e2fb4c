package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBrokerConfigIsValid(t *testing.T) {
	cfg := DefaultBrokerConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StorageProviderInMemory, cfg.StorageProvider)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 50, cfg.MaxUpdatesPerBatch)
	assert.Equal(t, 24*time.Hour, cfg.RealtimeRetention)
	assert.Equal(t, 30*24*time.Hour, cfg.HistoricalRetention)
	assert.Equal(t, 5*time.Minute, cfg.VerifiedRefreshInterval)
	assert.Equal(t, 6*time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BrokerConfig)
	}{
		{"unknown provider", func(c *BrokerConfig) { c.StorageProvider = "postgres" }},
		{"zero batch size", func(c *BrokerConfig) { c.BatchSize = 0 }},
		{"zero flush interval", func(c *BrokerConfig) { c.BatchFlushInterval = 0 }},
		{"zero update cap", func(c *BrokerConfig) { c.MaxUpdatesPerBatch = 0 }},
		{"negative retries", func(c *BrokerConfig) { c.MaxStorageRetries = -1 }},
		{"zero retention", func(c *BrokerConfig) { c.RealtimeRetention = 0 }},
		{"zero pending capacity", func(c *BrokerConfig) { c.PendingTopicCapacity = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBrokerConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBrokerConfig().BatchSize, cfg.BatchSize)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	content := []byte("batch_size: 250\nlog_level: debug\nrealtime_retention: 12h\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 12*time.Hour, cfg.RealtimeRetention)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultBrokerConfig().MaxUpdatesPerBatch, cfg.MaxUpdatesPerBatch)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: -5\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
