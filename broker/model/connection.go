package model

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Connection Status (mirrors the per-connection lifecycle)
// =============================================================================

// ConnectionStatus represents the lifecycle state of a data connection.
// State transitions:
//
//	(no state) -> Disconnected -> Connecting -> (Connected | Error)
//	Connected -> Stopping -> Disconnected
//	Error -> Connecting (retry) | Stopping
type ConnectionStatus string

const (
	// StatusUnknown indicates the connection id is not known to the manager.
	StatusUnknown ConnectionStatus = "unknown"
	// StatusDisconnected indicates a configured connection with no live link.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnecting indicates a start is in progress.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusConnected indicates the connection is live and receiving.
	StatusConnected ConnectionStatus = "connected"
	// StatusStopping indicates a stop is in progress.
	StatusStopping ConnectionStatus = "stopping"
	// StatusError indicates the last start or the link itself failed.
	StatusError ConnectionStatus = "error"
)

// validStatusTransitions defines allowed status transitions.
var validStatusTransitions = map[ConnectionStatus]map[ConnectionStatus]bool{
	StatusUnknown: {
		StatusDisconnected: true,
		StatusConnecting:   true,
	},
	StatusDisconnected: {
		StatusConnecting: true,
		StatusError:      true,
	},
	StatusConnecting: {
		StatusConnected:    true,
		StatusError:        true,
		StatusStopping:     true,
		StatusDisconnected: true,
	},
	StatusConnected: {
		StatusStopping:     true,
		StatusError:        true,
		StatusDisconnected: true, // link dropped by the remote side
	},
	StatusStopping: {
		StatusDisconnected: true,
		StatusError:        true,
	},
	StatusError: {
		StatusConnecting:   true,
		StatusStopping:     true,
		StatusDisconnected: true,
	},
}

// CanTransition checks if a status transition is valid.
func (s ConnectionStatus) CanTransition(to ConnectionStatus) bool {
	if targets, ok := validStatusTransitions[s]; ok {
		return targets[to]
	}
	return false
}

// IsHealthy reports whether the status needs no operator attention.
func (s ConnectionStatus) IsHealthy() bool {
	return s == StatusConnected || s == StatusConnecting || s == StatusStopping
}

// =============================================================================
// INPUT / OUTPUT SPECS
// =============================================================================

// InputSpec configures one inbound stream of a connection, e.g. an MQTT
// subscription or a Socket.IO event listener.
type InputSpec struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Options map[string]string `json:"options,omitempty"`
}

// OutputSpec configures one outbound stream of a connection.
type OutputSpec struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Options map[string]string `json:"options,omitempty"`
}

// =============================================================================
// CONNECTION CONFIGURATION
// =============================================================================

// ConnectionConfiguration is the persisted configuration for one data
// connection. ConnectionConfig is the descriptor-specific options document,
// stored verbatim and discriminated by ConnectionType; the descriptor's
// codec decodes it at the manager boundary.
type ConnectionConfiguration struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	ConnectionType   string            `json:"connection_type"`
	ConnectionConfig json.RawMessage   `json:"connection_config"`
	Inputs           []InputSpec       `json:"inputs,omitempty"`
	Outputs          []OutputSpec      `json:"outputs,omitempty"`
	IsEnabled        bool              `json:"is_enabled"`
	AutoStart        bool              `json:"auto_start"`
	CreatedAt        time.Time         `json:"created_at"`
	ModifiedAt       time.Time         `json:"modified_at"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (c *ConnectionConfiguration) Clone() *ConnectionConfiguration {
	if c == nil {
		return nil
	}
	clone := *c
	if c.ConnectionConfig != nil {
		clone.ConnectionConfig = make(json.RawMessage, len(c.ConnectionConfig))
		copy(clone.ConnectionConfig, c.ConnectionConfig)
	}
	if c.Inputs != nil {
		clone.Inputs = make([]InputSpec, len(c.Inputs))
		copy(clone.Inputs, c.Inputs)
	}
	if c.Outputs != nil {
		clone.Outputs = make([]OutputSpec, len(c.Outputs))
		copy(clone.Outputs, c.Outputs)
	}
	if c.Tags != nil {
		clone.Tags = make([]string, len(c.Tags))
		copy(clone.Tags, c.Tags)
	}
	if c.Metadata != nil {
		clone.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
