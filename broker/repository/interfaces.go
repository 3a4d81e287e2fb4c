// Package repository defines the persistence abstractions the broker core
// consumes, and in-memory implementations for tests and the inmemory
// storage provider.
//
// The concrete database layer is supplied by the hosting process; every
// call is atomic from the caller's perspective. Lookups return nil (not an
// error) for missing rows.
package repository

import (
	"context"

	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// =============================================================================
// CONNECTION CONFIGURATION
// =============================================================================

// ConnectionConfigurationRepository round-trips ConnectionConfiguration rows
// including the typed ConnectionConfig document.
type ConnectionConfigurationRepository interface {
	// Save upserts a configuration by Id.
	Save(ctx context.Context, cfg *model.ConnectionConfiguration) error

	// GetByID returns the configuration, or nil if unknown.
	GetByID(ctx context.Context, id string) (*model.ConnectionConfiguration, error)

	// GetAll returns all configurations, optionally only enabled ones.
	GetAll(ctx context.Context, enabledOnly bool) ([]*model.ConnectionConfiguration, error)

	// GetAutoStart returns enabled configurations with AutoStart set.
	GetAutoStart(ctx context.Context) ([]*model.ConnectionConfiguration, error)

	// Delete removes a configuration. Unknown ids are a no-op.
	Delete(ctx context.Context, id string) error
}

// =============================================================================
// HIERARCHY TEMPLATE
// =============================================================================

// HierarchyConfigurationRepository owns hierarchy template rows.
// Exactly one configuration is active at all times; EnsureDefault seeds the
// system-defined ISA-95 default when no configuration is active.
type HierarchyConfigurationRepository interface {
	// EnsureDefault seeds and returns the default configuration if no
	// active configuration exists, else returns the active one.
	EnsureDefault(ctx context.Context) (*model.HierarchyConfiguration, error)

	// GetActive returns the single active configuration, or nil.
	GetActive(ctx context.Context) (*model.HierarchyConfiguration, error)

	// Save upserts a configuration. Activating one deactivates the others.
	// System-defined configurations cannot be modified.
	Save(ctx context.Context, cfg *model.HierarchyConfiguration) error
}

// =============================================================================
// HIERARCHY INSTANCES
// =============================================================================

// NSTreeInstanceRepository owns hierarchy instance rows.
type NSTreeInstanceRepository interface {
	Save(ctx context.Context, inst *model.NSTreeInstance) error
	GetByID(ctx context.Context, id string) (*model.NSTreeInstance, error)
	GetAll(ctx context.Context) ([]*model.NSTreeInstance, error)

	// GetChildren returns instances whose ParentInstanceID equals parentID;
	// an empty parentID selects root instances.
	GetChildren(ctx context.Context, parentID string) ([]*model.NSTreeInstance, error)

	Delete(ctx context.Context, id string) error
}

// =============================================================================
// USER NAMESPACES
// =============================================================================

// NamespaceConfigurationRepository owns user namespace rows.
type NamespaceConfigurationRepository interface {
	Save(ctx context.Context, ns *model.NamespaceConfiguration) error
	GetByID(ctx context.Context, id string) (*model.NamespaceConfiguration, error)
	GetAll(ctx context.Context) ([]*model.NamespaceConfiguration, error)
	Delete(ctx context.Context, id string) error
}

// =============================================================================
// TOPIC CONFIGURATION
// =============================================================================

// TopicConfigurationRepository owns discovered topic rows, keyed by Topic.
type TopicConfigurationRepository interface {
	// Save upserts by Topic, preserving the at-most-one-row-per-topic
	// invariant.
	Save(ctx context.Context, tc *model.TopicConfiguration) error

	// GetByTopic returns the row for a topic, or nil.
	GetByTopic(ctx context.Context, topic string) (*model.TopicConfiguration, error)

	GetAll(ctx context.Context) ([]*model.TopicConfiguration, error)

	// GetVerifiedTopics returns the names of all verified topics.
	GetVerifiedTopics(ctx context.Context) ([]string, error)

	// ClearNamespaceAssignments empties NSPath and Path on every row whose
	// NSPath equals one of the given paths or lives beneath one. Returns
	// the number of rows rewritten.
	ClearNamespaceAssignments(ctx context.Context, nsPaths []string) (int, error)

	// Delete removes the row for a topic. Unknown topics are a no-op.
	Delete(ctx context.Context, topic string) error
}
