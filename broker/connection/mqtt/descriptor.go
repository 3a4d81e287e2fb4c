// Package mqtt provides the MQTT data connection plugin, built on the
// Eclipse Paho client.
package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/unsinfra-organization/unsbroker/broker/connection"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
)

// ConnectionType is the registry key for this plugin.
const ConnectionType = "mqtt"

// Config is the typed options document for an MQTT connection.
type Config struct {
	BrokerURL        string `json:"broker_url"`
	ClientID         string `json:"client_id"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	QoS              byte   `json:"qos"`
	KeepAliveSeconds int    `json:"keep_alive_seconds"`
	CleanSession     bool   `json:"clean_session"`
	TopicPrefix      string `json:"topic_prefix,omitempty"`
}

// Descriptor registers the MQTT plugin with the connection registry.
type Descriptor struct{}

// NewDescriptor creates the MQTT descriptor.
func NewDescriptor() *Descriptor { return &Descriptor{} }

// Type implements connection.Descriptor.
func (d *Descriptor) Type() string { return ConnectionType }

// DisplayName implements connection.Descriptor.
func (d *Descriptor) DisplayName() string { return "MQTT Broker" }

// DefaultConfig implements connection.Descriptor.
func (d *Descriptor) DefaultConfig() any {
	return &Config{
		BrokerURL:        "tcp://localhost:1883",
		QoS:              1,
		KeepAliveSeconds: 60,
		CleanSession:     true,
	}
}

// DecodeConfig implements connection.Descriptor.
func (d *Descriptor) DecodeConfig(doc json.RawMessage) (any, error) {
	cfg := &Config{}
	if len(doc) == 0 {
		return d.DefaultConfig(), nil
	}
	if err := json.Unmarshal(doc, cfg); err != nil {
		return nil, fmt.Errorf("decode mqtt config: %w", err)
	}
	return cfg, nil
}

// EncodeConfig implements connection.Descriptor.
func (d *Descriptor) EncodeConfig(cfg any) (json.RawMessage, error) {
	typed, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("expected *mqtt.Config, got %T", cfg)
	}
	return json.Marshal(typed)
}

// Create implements connection.Descriptor.
func (d *Descriptor) Create(id, name string, cfg any, logger logging.Logger) (connection.DataConnection, error) {
	typed, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("expected *mqtt.Config, got %T", cfg)
	}
	return newConnection(id, name, typed, logger), nil
}

var _ connection.Descriptor = (*Descriptor)(nil)
