package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// =============================================================================
// CONNECTION CONFIGURATIONS
// =============================================================================

// InMemoryConnectionConfigurations is the in-process
// ConnectionConfigurationRepository. Copy-in/copy-out: stored rows are never
// aliased by callers.
type InMemoryConnectionConfigurations struct {
	rows map[string]*model.ConnectionConfiguration
	mu   sync.RWMutex
}

// NewInMemoryConnectionConfigurations creates an empty repository.
func NewInMemoryConnectionConfigurations() *InMemoryConnectionConfigurations {
	return &InMemoryConnectionConfigurations{rows: make(map[string]*model.ConnectionConfiguration)}
}

// Save upserts a configuration by Id.
func (r *InMemoryConnectionConfigurations) Save(ctx context.Context, cfg *model.ConnectionConfiguration) error {
	if cfg.ID == "" {
		return fmt.Errorf("connection configuration requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[cfg.ID] = cfg.Clone()
	return nil
}

// GetByID returns the configuration, or nil if unknown.
func (r *InMemoryConnectionConfigurations) GetByID(ctx context.Context, id string) (*model.ConnectionConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[id].Clone(), nil
}

// GetAll returns all configurations, optionally only enabled ones.
func (r *InMemoryConnectionConfigurations) GetAll(ctx context.Context, enabledOnly bool) ([]*model.ConnectionConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.ConnectionConfiguration, 0, len(r.rows))
	for _, cfg := range r.rows {
		if enabledOnly && !cfg.IsEnabled {
			continue
		}
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetAutoStart returns enabled configurations with AutoStart set.
func (r *InMemoryConnectionConfigurations) GetAutoStart(ctx context.Context) ([]*model.ConnectionConfiguration, error) {
	all, err := r.GetAll(ctx, true)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, cfg := range all {
		if cfg.AutoStart {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// Delete removes a configuration.
func (r *InMemoryConnectionConfigurations) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

// =============================================================================
// HIERARCHY CONFIGURATIONS
// =============================================================================

// Default ISA-95 level names, seeded by EnsureDefault.
var defaultHierarchyLevels = []struct {
	name     string
	required bool
}{
	{"Enterprise", true},
	{"Site", true},
	{"Area", false},
	{"WorkCenter", false},
	{"WorkUnit", false},
}

// InMemoryHierarchyConfigurations is the in-process
// HierarchyConfigurationRepository.
type InMemoryHierarchyConfigurations struct {
	rows map[string]*model.HierarchyConfiguration
	mu   sync.RWMutex
}

// NewInMemoryHierarchyConfigurations creates an empty repository.
func NewInMemoryHierarchyConfigurations() *InMemoryHierarchyConfigurations {
	return &InMemoryHierarchyConfigurations{rows: make(map[string]*model.HierarchyConfiguration)}
}

// EnsureDefault seeds the system-defined ISA-95 default if no active
// configuration exists.
func (r *InMemoryHierarchyConfigurations) EnsureDefault(ctx context.Context) (*model.HierarchyConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range r.rows {
		if cfg.IsActive {
			return cfg.Clone(), nil
		}
	}

	cfg := &model.HierarchyConfiguration{
		ID:              uuid.NewString(),
		Name:            "ISA-95 Default",
		IsActive:        true,
		IsSystemDefined: true,
	}
	var parent *model.HierarchyNode
	for order, lvl := range defaultHierarchyLevels {
		node := &model.HierarchyNode{
			ID:         uuid.NewString(),
			Name:       lvl.name,
			Order:      order,
			IsRequired: lvl.required,
		}
		if parent != nil {
			node.ParentNodeID = parent.ID
			parent.AllowedChildNodeIDs = append(parent.AllowedChildNodeIDs, node.ID)
		}
		cfg.Nodes = append(cfg.Nodes, node)
		parent = node
	}
	r.rows[cfg.ID] = cfg
	return cfg.Clone(), nil
}

// GetActive returns the single active configuration, or nil.
func (r *InMemoryHierarchyConfigurations) GetActive(ctx context.Context) (*model.HierarchyConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.rows {
		if cfg.IsActive {
			return cfg.Clone(), nil
		}
	}
	return nil, nil
}

// Save upserts a configuration. Activating one deactivates the others.
func (r *InMemoryHierarchyConfigurations) Save(ctx context.Context, cfg *model.HierarchyConfiguration) error {
	if cfg.ID == "" {
		return fmt.Errorf("hierarchy configuration requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rows[cfg.ID]; ok && existing.IsSystemDefined {
		return fmt.Errorf("hierarchy configuration %s is system-defined and immutable", cfg.ID)
	}
	if cfg.IsActive {
		for _, other := range r.rows {
			if other.ID != cfg.ID {
				other.IsActive = false
			}
		}
	}
	r.rows[cfg.ID] = cfg.Clone()
	return nil
}

// =============================================================================
// NS TREE INSTANCES
// =============================================================================

// InMemoryNSTreeInstances is the in-process NSTreeInstanceRepository.
type InMemoryNSTreeInstances struct {
	rows map[string]*model.NSTreeInstance
	mu   sync.RWMutex
}

// NewInMemoryNSTreeInstances creates an empty repository.
func NewInMemoryNSTreeInstances() *InMemoryNSTreeInstances {
	return &InMemoryNSTreeInstances{rows: make(map[string]*model.NSTreeInstance)}
}

// Save upserts an instance by Id.
func (r *InMemoryNSTreeInstances) Save(ctx context.Context, inst *model.NSTreeInstance) error {
	if inst.ID == "" {
		return fmt.Errorf("ns tree instance requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[inst.ID] = inst.Clone()
	return nil
}

// GetByID returns the instance, or nil if unknown.
func (r *InMemoryNSTreeInstances) GetByID(ctx context.Context, id string) (*model.NSTreeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[id].Clone(), nil
}

// GetAll returns all instances, ordered by creation time.
func (r *InMemoryNSTreeInstances) GetAll(ctx context.Context) ([]*model.NSTreeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.NSTreeInstance, 0, len(r.rows))
	for _, inst := range r.rows {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetChildren returns instances under parentID; empty selects roots.
func (r *InMemoryNSTreeInstances) GetChildren(ctx context.Context, parentID string) ([]*model.NSTreeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.NSTreeInstance
	for _, inst := range r.rows {
		if inst.ParentInstanceID == parentID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes an instance.
func (r *InMemoryNSTreeInstances) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

// =============================================================================
// NAMESPACE CONFIGURATIONS
// =============================================================================

// InMemoryNamespaceConfigurations is the in-process
// NamespaceConfigurationRepository.
type InMemoryNamespaceConfigurations struct {
	rows map[string]*model.NamespaceConfiguration
	mu   sync.RWMutex
}

// NewInMemoryNamespaceConfigurations creates an empty repository.
func NewInMemoryNamespaceConfigurations() *InMemoryNamespaceConfigurations {
	return &InMemoryNamespaceConfigurations{rows: make(map[string]*model.NamespaceConfiguration)}
}

// Save upserts a namespace by Id.
func (r *InMemoryNamespaceConfigurations) Save(ctx context.Context, ns *model.NamespaceConfiguration) error {
	if ns.ID == "" {
		return fmt.Errorf("namespace configuration requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[ns.ID] = ns.Clone()
	return nil
}

// GetByID returns the namespace, or nil if unknown.
func (r *InMemoryNamespaceConfigurations) GetByID(ctx context.Context, id string) (*model.NamespaceConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[id].Clone(), nil
}

// GetAll returns all namespaces.
func (r *InMemoryNamespaceConfigurations) GetAll(ctx context.Context) ([]*model.NamespaceConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.NamespaceConfiguration, 0, len(r.rows))
	for _, ns := range r.rows {
		out = append(out, ns.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a namespace.
func (r *InMemoryNamespaceConfigurations) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

// =============================================================================
// TOPIC CONFIGURATIONS
// =============================================================================

// InMemoryTopicConfigurations is the in-process TopicConfigurationRepository.
type InMemoryTopicConfigurations struct {
	rows map[string]*model.TopicConfiguration // keyed by Topic
	mu   sync.RWMutex
}

// NewInMemoryTopicConfigurations creates an empty repository.
func NewInMemoryTopicConfigurations() *InMemoryTopicConfigurations {
	return &InMemoryTopicConfigurations{rows: make(map[string]*model.TopicConfiguration)}
}

// Save upserts by Topic.
func (r *InMemoryTopicConfigurations) Save(ctx context.Context, tc *model.TopicConfiguration) error {
	if tc.Topic == "" {
		return fmt.Errorf("topic configuration requires a topic")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := tc.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	r.rows[tc.Topic] = clone
	return nil
}

// GetByTopic returns the row for a topic, or nil.
func (r *InMemoryTopicConfigurations) GetByTopic(ctx context.Context, topic string) (*model.TopicConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[topic].Clone(), nil
}

// GetAll returns all topic rows.
func (r *InMemoryTopicConfigurations) GetAll(ctx context.Context) ([]*model.TopicConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.TopicConfiguration, 0, len(r.rows))
	for _, tc := range r.rows {
		out = append(out, tc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

// GetVerifiedTopics returns the names of all verified topics.
func (r *InMemoryTopicConfigurations) GetVerifiedTopics(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for topic, tc := range r.rows {
		if tc.IsVerified {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ClearNamespaceAssignments empties NSPath and Path on every row mapped at
// or beneath one of the given paths.
func (r *InMemoryTopicConfigurations) ClearNamespaceAssignments(ctx context.Context, nsPaths []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	cleared := 0
	for _, tc := range r.rows {
		if tc.NSPath == "" {
			continue
		}
		current := strings.ToLower(tc.NSPath)
		for _, p := range nsPaths {
			prefix := strings.ToLower(p)
			if current == prefix || strings.HasPrefix(current, prefix+"/") {
				tc.Unmap(now)
				cleared++
				break
			}
		}
	}
	return cleared, nil
}

// Delete removes the row for a topic.
func (r *InMemoryTopicConfigurations) Delete(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, topic)
	return nil
}

var (
	_ ConnectionConfigurationRepository = (*InMemoryConnectionConfigurations)(nil)
	_ HierarchyConfigurationRepository  = (*InMemoryHierarchyConfigurations)(nil)
	_ NSTreeInstanceRepository          = (*InMemoryNSTreeInstances)(nil)
	_ NamespaceConfigurationRepository  = (*InMemoryNamespaceConfigurations)(nil)
	_ TopicConfigurationRepository      = (*InMemoryTopicConfigurations)(nil)
)
