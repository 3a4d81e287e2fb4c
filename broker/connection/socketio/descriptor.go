package socketio

import (
	"encoding/json"
	"fmt"

	"github.com/unsinfra-organization/unsbroker/broker/connection"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
)

// Descriptor registers the Socket.IO plugin with the connection registry.
type Descriptor struct{}

// NewDescriptor creates the Socket.IO descriptor.
func NewDescriptor() *Descriptor { return &Descriptor{} }

// Type implements connection.Descriptor.
func (d *Descriptor) Type() string { return ConnectionType }

// DisplayName implements connection.Descriptor.
func (d *Descriptor) DisplayName() string { return "Socket.IO Stream" }

// DefaultConfig implements connection.Descriptor.
func (d *Descriptor) DefaultConfig() any {
	return &Config{
		ServerURL:           "http://localhost:3000",
		Namespace:           "/",
		ReconnectMaxSeconds: 30,
	}
}

// DecodeConfig implements connection.Descriptor.
func (d *Descriptor) DecodeConfig(doc json.RawMessage) (any, error) {
	cfg := &Config{}
	if len(doc) == 0 {
		return d.DefaultConfig(), nil
	}
	if err := json.Unmarshal(doc, cfg); err != nil {
		return nil, fmt.Errorf("decode socketio config: %w", err)
	}
	return cfg, nil
}

// EncodeConfig implements connection.Descriptor.
func (d *Descriptor) EncodeConfig(cfg any) (json.RawMessage, error) {
	typed, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("expected *socketio.Config, got %T", cfg)
	}
	return json.Marshal(typed)
}

// Create implements connection.Descriptor.
func (d *Descriptor) Create(id, name string, cfg any, logger logging.Logger) (connection.DataConnection, error) {
	typed, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("expected *socketio.Config, got %T", cfg)
	}
	return newConnection(id, name, typed, logger), nil
}

var _ connection.Descriptor = (*Descriptor)(nil)
