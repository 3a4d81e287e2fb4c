// Package connection provides the pluggable data-connection subsystem:
// descriptors, the static registry, the DataConnection capability surface,
// and the Manager that reconciles persisted configuration with live
// connections.
package connection

import (
	"context"
	"encoding/json"

	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// =============================================================================
// CALLBACKS
// =============================================================================

// DataCallback receives every datapoint a connection produces.
// Connections fire callbacks on their own execution context; the core never
// blocks inside one.
type DataCallback func(dp *model.DataPoint)

// StatusCallback receives every connection status transition.
type StatusCallback func(oldStatus, newStatus model.ConnectionStatus)

// =============================================================================
// DATA CONNECTION
// =============================================================================

// DataConnection is the capability surface every protocol plugin implements.
// Variants are protocol-specific (MQTT client, Socket.IO client, ...) but
// share this contract. Lifecycle callbacks are function values, not
// inherited methods.
type DataConnection interface {
	// Validate checks the typed configuration without touching the network.
	Validate() error

	// Initialize prepares the connection for use (client construction,
	// option resolution). No network traffic yet.
	Initialize(ctx context.Context) error

	// ConfigureInput applies one inbound stream spec.
	ConfigureInput(ctx context.Context, input model.InputSpec) error

	// ConfigureOutput applies one outbound stream spec.
	ConfigureOutput(ctx context.Context, output model.OutputSpec) error

	// Start opens the link and begins receiving.
	Start(ctx context.Context) error

	// Stop closes the link. Safe to call on a stopped connection.
	Stop(ctx context.Context) error

	// Send forwards a datapoint to an output. An empty outputID selects
	// the default output.
	Send(ctx context.Context, dp *model.DataPoint, outputID string) error

	// Status returns the current connection status.
	Status() model.ConnectionStatus

	// SetDataCallback registers the datapoint sink. Must be called before
	// Start; a nil callback drops received data.
	SetDataCallback(cb DataCallback)

	// SetStatusCallback registers the status sink.
	SetStatusCallback(cb StatusCallback)

	// Close releases all resources. The connection is unusable afterwards.
	Close() error
}

// =============================================================================
// DESCRIPTOR
// =============================================================================

// Descriptor describes one connection type to the registry and the UI.
//
// The codec pair (DecodeConfig/EncodeConfig) converts between the persisted
// configuration document and the descriptor's typed options; the document is
// persisted verbatim and discriminated by Type.
type Descriptor interface {
	// Type returns the connection-type key, e.g. "mqtt".
	Type() string

	// DisplayName returns the human-readable name for the UI.
	DisplayName() string

	// DefaultConfig returns a fresh typed options value with defaults.
	DefaultConfig() any

	// DecodeConfig decodes the persisted document into typed options.
	DecodeConfig(doc json.RawMessage) (any, error)

	// EncodeConfig encodes typed options into the persisted document.
	EncodeConfig(cfg any) (json.RawMessage, error)

	// Create instantiates a live DataConnection from typed options.
	Create(id, name string, cfg any, logger logging.Logger) (DataConnection, error)
}

// DefaultConfigDocument returns the descriptor's default options encoded as
// a persisted document. Used when the UI creates a fresh configuration.
func DefaultConfigDocument(d Descriptor) (json.RawMessage, error) {
	return d.EncodeConfig(d.DefaultConfig())
}
