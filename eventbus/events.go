// Package eventbus defines the closed event taxonomy of the broker core.
//
// Events are organized by domain:
//   - Topic data: TopicDataUpdated, TopicAdded, BulkTopicsAdded
//   - Auto-mapping: TopicAutoMapped, TopicAutoMappingFailed
//   - Namespace model: NamespaceStructureChanged
//   - Connections: ConnectionStatusChanged, DataReceived
package eventbus

import (
	"time"

	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// =============================================================================
// EVENT KINDS
// =============================================================================

// Stable kind strings, used for subscription routing.
const (
	KindTopicDataUpdated          = "topic_data_updated"
	KindTopicAdded                = "topic_added"
	KindBulkTopicsAdded           = "bulk_topics_added"
	KindNamespaceStructureChanged = "namespace_structure_changed"
	KindTopicAutoMapped           = "topic_auto_mapped"
	KindTopicAutoMappingFailed    = "topic_auto_mapping_failed"
	KindConnectionStatusChanged   = "connection_status_changed"
	KindDataReceived              = "data_received"
)

// StructureChangeType classifies a namespace structure change.
type StructureChangeType string

const (
	StructureChangeAdded    StructureChangeType = "added"
	StructureChangeModified StructureChangeType = "modified"
	StructureChangeDeleted  StructureChangeType = "deleted"
)

// =============================================================================
// TOPIC DATA EVENTS
// =============================================================================

// TopicDataUpdated is emitted when a topic's latest value changes.
// Subscribers: UI tree, MCP surface, telemetry.
type TopicDataUpdated struct {
	Topic     string           `json:"topic"`
	DataPoint *model.DataPoint `json:"data_point"`
	Source    string           `json:"source"`
}

// Kind implements the Event interface.
func (e *TopicDataUpdated) Kind() string { return KindTopicDataUpdated }

// TopicAdded is emitted exactly once per process lifetime when a topic is
// first observed, before the first TopicDataUpdated for that topic.
type TopicAdded struct {
	Topic     string                  `json:"topic"`
	Path      *model.HierarchicalPath `json:"path,omitempty"`
	Source    string                  `json:"source"`
	CreatedAt time.Time               `json:"created_at"`
}

// Kind implements the Event interface.
func (e *TopicAdded) Kind() string { return KindTopicAdded }

// BulkTopicsAdded is emitted when many topics are registered at once,
// e.g. on import. Subscribers treat it as a batched TopicAdded.
type BulkTopicsAdded struct {
	Items  []TopicAdded `json:"items"`
	Source string       `json:"source"`
}

// Kind implements the Event interface.
func (e *BulkTopicsAdded) Kind() string { return KindBulkTopicsAdded }

// =============================================================================
// NAMESPACE MODEL EVENTS
// =============================================================================

// NamespaceStructureChanged is emitted after any committed edit of the
// hierarchy instances or user namespaces. The auto-mapper refreshes its
// cache on receipt.
type NamespaceStructureChanged struct {
	ChangedNamespace string              `json:"changed_namespace"`
	ChangeType       StructureChangeType `json:"change_type"`
	ChangedBy        string              `json:"changed_by"`
}

// Kind implements the Event interface.
func (e *NamespaceStructureChanged) Kind() string { return KindNamespaceStructureChanged }

// =============================================================================
// AUTO-MAPPING EVENTS
// =============================================================================

// TopicAutoMapped is emitted when a topic has been resolved to a namespace
// path and the assignment persisted.
type TopicAutoMapped struct {
	Topic           string `json:"topic"`
	MappedNamespace string `json:"mapped_namespace"`
}

// Kind implements the Event interface.
func (e *TopicAutoMapped) Kind() string { return KindTopicAutoMapped }

// TopicAutoMappingFailed is emitted when no namespace path matches a topic.
// The topic is remembered as pending and re-evaluated on the next cache
// refresh.
type TopicAutoMappingFailed struct {
	Topic  string `json:"topic"`
	Reason string `json:"reason"`
}

// Kind implements the Event interface.
func (e *TopicAutoMappingFailed) Kind() string { return KindTopicAutoMappingFailed }

// MappingFailureNoMatch is the reason reported when no suffix of the topic
// matches a cached namespace path.
const MappingFailureNoMatch = "NoMatchingNamespace"

// =============================================================================
// CONNECTION EVENTS
// =============================================================================

// ConnectionStatusChanged is emitted on every connection status transition.
type ConnectionStatusChanged struct {
	ConnectionID string                 `json:"connection_id"`
	OldStatus    model.ConnectionStatus `json:"old_status"`
	NewStatus    model.ConnectionStatus `json:"new_status"`
}

// Kind implements the Event interface.
func (e *ConnectionStatusChanged) Kind() string { return KindConnectionStatusChanged }

// DataReceived is emitted by the connection manager for every datapoint
// accepted from a connection, before ingestion.
type DataReceived struct {
	ConnectionID string           `json:"connection_id"`
	DataPoint    *model.DataPoint `json:"data_point"`
}

// Kind implements the Event interface.
func (e *DataReceived) Kind() string { return KindDataReceived }
