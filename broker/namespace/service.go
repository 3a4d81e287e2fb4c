// Package namespace implements the authoritative model of the user's
// hierarchy instances and namespaces: tree construction, uniqueness
// invariants, and cascading deletes.
package namespace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
	"github.com/unsinfra-organization/unsbroker/broker/repository"
	"github.com/unsinfra-organization/unsbroker/eventbus"
)

// =============================================================================
// TREE VIEW
// =============================================================================

// TreeNode is one hierarchy instance in the namespace tree, carrying the
// hierarchy node it instantiates, its child instances, and the namespaces
// anchored at its path.
type TreeNode struct {
	Instance      *model.NSTreeInstance
	HierarchyNode *model.HierarchyNode
	FullPath      string // "/"-joined instance names from root
	Children      []*TreeNode
	Namespaces    []*NamespaceNode
}

// NamespaceNode is one user namespace with its nested children.
type NamespaceNode struct {
	Namespace *model.NamespaceConfiguration
	FullPath  string // instance path + "/" + namespace chain
	Children  []*NamespaceNode
}

// DeleteImpact summarizes what a namespace delete would touch.
type DeleteImpact struct {
	ChildNamespaces int
	MappedTopics    int
	Warning         string
}

// CanDelete reports whether the delete needs no operator confirmation.
func (i *DeleteImpact) CanDelete() bool {
	return i.ChildNamespaces == 0 && i.MappedTopics == 0
}

// =============================================================================
// STRUCTURE SERVICE
// =============================================================================

// StructureService owns hierarchy instances and user namespaces.
//
// CRUD operations are transactional from the caller's perspective: they
// either succeed and publish NamespaceStructureChanged, or fail and persist
// nothing.
type StructureService struct {
	hierarchies repository.HierarchyConfigurationRepository
	instances   repository.NSTreeInstanceRepository
	namespaces  repository.NamespaceConfigurationRepository
	topics      repository.TopicConfigurationRepository
	bus         eventbus.Bus
	logger      logging.Logger
}

// NewStructureService creates the namespace structure service.
func NewStructureService(
	hierarchies repository.HierarchyConfigurationRepository,
	instances repository.NSTreeInstanceRepository,
	namespaces repository.NamespaceConfigurationRepository,
	topics repository.TopicConfigurationRepository,
	bus eventbus.Bus,
	logger logging.Logger,
) *StructureService {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StructureService{
		hierarchies: hierarchies,
		instances:   instances,
		namespaces:  namespaces,
		topics:      topics,
		bus:         bus,
		logger:      logger,
	}
}

// Initialize seeds the default hierarchy configuration.
func (s *StructureService) Initialize(ctx context.Context) error {
	cfg, err := s.hierarchies.EnsureDefault(ctx)
	if err != nil {
		return fmt.Errorf("ensure default hierarchy: %w", err)
	}
	s.logger.Info("hierarchy_configuration_ready", "name", cfg.Name, "levels", len(cfg.Nodes))
	return nil
}

// =============================================================================
// READ SIDE
// =============================================================================

// GetNamespaceStructure returns the tree rooted at instances with no
// parent. Namespaces whose hierarchical-path key equals an instance's path
// key and whose ParentNamespaceID is empty hang off that instance; nested
// namespaces hang off their parent namespace.
func (s *StructureService) GetNamespaceStructure(ctx context.Context) ([]*TreeNode, error) {
	cfg, err := s.hierarchies.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active hierarchy: %w", err)
	}
	insts, err := s.instances.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	nss, err := s.namespaces.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load namespaces: %w", err)
	}

	byParent := make(map[string][]*model.NSTreeInstance)
	for _, inst := range insts {
		byParent[inst.ParentInstanceID] = append(byParent[inst.ParentInstanceID], inst)
	}
	nsByParent := make(map[string][]*model.NamespaceConfiguration)
	for _, ns := range nss {
		nsByParent[ns.ParentNamespaceID] = append(nsByParent[ns.ParentNamespaceID], ns)
	}

	var build func(inst *model.NSTreeInstance, parentPath string) *TreeNode
	build = func(inst *model.NSTreeInstance, parentPath string) *TreeNode {
		fullPath := inst.Name
		if parentPath != "" {
			fullPath = parentPath + "/" + inst.Name
		}
		node := &TreeNode{Instance: inst, FullPath: fullPath}
		if cfg != nil {
			node.HierarchyNode = cfg.NodeByID(inst.HierarchyNodeID)
		}
		for _, child := range byParent[inst.ID] {
			node.Children = append(node.Children, build(child, fullPath))
		}
		pathKey := strings.ToLower(fullPath)
		for _, ns := range nsByParent[""] {
			if ns.HierarchicalPath.PathKey() == pathKey {
				node.Namespaces = append(node.Namespaces, s.buildNamespaceNode(ns, fullPath, nsByParent))
			}
		}
		return node
	}

	var roots []*TreeNode
	for _, inst := range byParent[""] {
		roots = append(roots, build(inst, ""))
	}
	return roots, nil
}

func (s *StructureService) buildNamespaceNode(
	ns *model.NamespaceConfiguration,
	parentPath string,
	nsByParent map[string][]*model.NamespaceConfiguration,
) *NamespaceNode {
	fullPath := parentPath + "/" + ns.Name
	node := &NamespaceNode{Namespace: ns, FullPath: fullPath}
	for _, child := range nsByParent[ns.ID] {
		node.Children = append(node.Children, s.buildNamespaceNode(child, fullPath, nsByParent))
	}
	return node
}

// GetAvailableHierarchyNodes returns the root hierarchy nodes when
// parentNodeID is empty, else the allowed children of that node.
func (s *StructureService) GetAvailableHierarchyNodes(ctx context.Context, parentNodeID string) ([]*model.HierarchyNode, error) {
	cfg, err := s.hierarchies.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active hierarchy: %w", err)
	}
	if cfg == nil {
		return nil, nil
	}
	if parentNodeID == "" {
		return cfg.RootNodes(), nil
	}
	return cfg.ChildNodes(parentNodeID), nil
}

// NamespacePaths returns the full path of every tree node, instances and
// namespaces alike. This is the auto-mapper's cache source.
func (s *StructureService) NamespacePaths(ctx context.Context) ([]string, error) {
	roots, err := s.GetNamespaceStructure(ctx)
	if err != nil {
		return nil, err
	}
	var paths []string
	var walk func(node *TreeNode)
	var walkNS func(node *NamespaceNode)
	walkNS = func(node *NamespaceNode) {
		paths = append(paths, node.FullPath)
		for _, child := range node.Children {
			walkNS(child)
		}
	}
	walk = func(node *TreeNode) {
		paths = append(paths, node.FullPath)
		for _, child := range node.Children {
			walk(child)
		}
		for _, ns := range node.Namespaces {
			walkNS(ns)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	sort.Strings(paths)
	return paths, nil
}

// HierarchyLevelNames returns the active hierarchy's level names in
// configured order.
func (s *StructureService) HierarchyLevelNames(ctx context.Context) ([]string, error) {
	cfg, err := s.hierarchies.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active hierarchy: %w", err)
	}
	if cfg == nil {
		return nil, nil
	}
	nodes := make([]*model.HierarchyNode, len(cfg.Nodes))
	copy(nodes, cfg.Nodes)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Order < nodes[j].Order })
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return names, nil
}

// SearchTopics returns topic rows whose topic or namespace path contains
// the query, case-insensitive. Backs the live searchable view.
func (s *StructureService) SearchTopics(ctx context.Context, query string) ([]*model.TopicConfiguration, error) {
	all, err := s.topics.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	needle := strings.ToLower(query)
	var out []*model.TopicConfiguration
	for _, tc := range all {
		if strings.Contains(strings.ToLower(tc.Topic), needle) ||
			strings.Contains(strings.ToLower(tc.NSPath), needle) {
			out = append(out, tc)
		}
	}
	return out, nil
}

// =============================================================================
// WRITE SIDE
// =============================================================================

// AddHierarchyInstance places an instance of a hierarchy node in the tree.
// Sibling names are unique, case-insensitive.
func (s *StructureService) AddHierarchyInstance(ctx context.Context, hierarchyNodeID, name, parentInstanceID string) (*model.NSTreeInstance, error) {
	cfg, err := s.hierarchies.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active hierarchy: %w", err)
	}
	if cfg == nil || cfg.NodeByID(hierarchyNodeID) == nil {
		return nil, NewNotFoundError("hierarchy node", hierarchyNodeID)
	}

	if parentInstanceID != "" {
		parent, err := s.instances.GetByID(ctx, parentInstanceID)
		if err != nil {
			return nil, fmt.Errorf("load parent instance: %w", err)
		}
		if parent == nil {
			return nil, NewNotFoundError("hierarchy instance", parentInstanceID)
		}
		allowed := false
		for _, child := range cfg.ChildNodes(parent.HierarchyNodeID) {
			if child.ID == hierarchyNodeID {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("hierarchy node %s is not an allowed child of %s", hierarchyNodeID, parent.HierarchyNodeID)
		}
	}

	siblings, err := s.instances.GetChildren(ctx, parentInstanceID)
	if err != nil {
		return nil, fmt.Errorf("load siblings: %w", err)
	}
	for _, sib := range siblings {
		if strings.EqualFold(sib.Name, name) {
			return nil, NewDuplicateHierarchyInstanceError(name, parentInstanceID)
		}
	}

	now := time.Now().UTC()
	inst := &model.NSTreeInstance{
		ID:               uuid.NewString(),
		Name:             name,
		HierarchyNodeID:  hierarchyNodeID,
		ParentInstanceID: parentInstanceID,
		IsActive:         true,
		CreatedAt:        now,
		ModifiedAt:       now,
	}
	if err := s.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}

	s.publishChange(ctx, name, eventbus.StructureChangeAdded, "")
	s.logger.Info("hierarchy_instance_added", "name", name, "parent", parentInstanceID)
	return inst, nil
}

// CreateNamespace creates a user namespace anchored at parentPath.
//
// Uniqueness: the new namespace is rejected if an existing namespace with
// the same case-insensitive name shares the same parent namespace and an
// identical HierarchicalPath at every level. Reusing a name at a different
// work center is allowed; true duplicates are not.
func (s *StructureService) CreateNamespace(ctx context.Context, parentPath model.HierarchicalPath, ns *model.NamespaceConfiguration) (*model.NamespaceConfiguration, error) {
	if ns == nil || ns.Name == "" {
		return nil, fmt.Errorf("namespace requires a name")
	}

	existing, err := s.namespaces.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load namespaces: %w", err)
	}
	for _, other := range existing {
		if !strings.EqualFold(other.Name, ns.Name) {
			continue
		}
		if other.ParentNamespaceID == ns.ParentNamespaceID &&
			other.HierarchicalPath.PathKey() == parentPath.PathKey() {
			return nil, NewDuplicateNamespaceError(ns.Name, parentPath.String())
		}
	}

	created := ns.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.HierarchicalPath = parentPath.Clone()
	created.IsActive = true
	if err := s.namespaces.Save(ctx, created); err != nil {
		return nil, fmt.Errorf("persist namespace: %w", err)
	}

	s.publishChange(ctx, created.Name, eventbus.StructureChangeAdded, created.CreatedBy)
	s.logger.Info("namespace_created", "name", created.Name, "path", parentPath.String())
	return created, nil
}

// DeleteInstance removes a hierarchy instance. Allowed only if no child
// instances or namespaces depend on it.
func (s *StructureService) DeleteInstance(ctx context.Context, id string) error {
	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst == nil {
		return NewNotFoundError("hierarchy instance", id)
	}

	children, err := s.instances.GetChildren(ctx, id)
	if err != nil {
		return fmt.Errorf("load children: %w", err)
	}

	fullPath, err := s.instanceFullPath(ctx, inst)
	if err != nil {
		return err
	}
	anchored, err := s.namespacesAtPath(ctx, fullPath)
	if err != nil {
		return err
	}
	if len(children) > 0 || len(anchored) > 0 {
		return NewInstanceHasDependentsError(id, len(children), len(anchored))
	}

	if err := s.instances.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	s.publishChange(ctx, inst.Name, eventbus.StructureChangeDeleted, "")
	s.logger.Info("hierarchy_instance_deleted", "name", inst.Name)
	return nil
}

// CanDeleteNamespace is the dry-run of DeleteNamespace: it reports the
// descendant namespace count and the number of topics that would be
// unmapped.
func (s *StructureService) CanDeleteNamespace(ctx context.Context, id string) (*DeleteImpact, error) {
	paths, _, err := s.collectNamespaceSubtree(ctx, id)
	if err != nil {
		return nil, err
	}

	topicCount := 0
	all, err := s.topics.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	for _, tc := range all {
		if tc.NSPath == "" {
			continue
		}
		current := strings.ToLower(tc.NSPath)
		for _, p := range paths {
			prefix := strings.ToLower(p)
			if current == prefix || strings.HasPrefix(current, prefix+"/") {
				topicCount++
				break
			}
		}
	}

	impact := &DeleteImpact{ChildNamespaces: len(paths) - 1, MappedTopics: topicCount}
	if !impact.CanDelete() {
		impact.Warning = fmt.Sprintf(
			"deleting this namespace removes %d child namespaces and unmaps %d topics",
			impact.ChildNamespaces, impact.MappedTopics)
	}
	return impact, nil
}

// DeleteNamespace deletes a namespace and all its descendants, clearing the
// namespace assignment of every topic mapped at or beneath them. Publishes
// a single NamespaceStructureChanged{Deleted}.
func (s *StructureService) DeleteNamespace(ctx context.Context, id string) error {
	paths, subtree, err := s.collectNamespaceSubtree(ctx, id)
	if err != nil {
		return err
	}

	cleared, err := s.topics.ClearNamespaceAssignments(ctx, paths)
	if err != nil {
		return fmt.Errorf("clear topic assignments: %w", err)
	}

	// Delete bottom-up: children before parents.
	for i := len(subtree) - 1; i >= 0; i-- {
		if err := s.namespaces.Delete(ctx, subtree[i].ID); err != nil {
			return fmt.Errorf("delete namespace %s: %w", subtree[i].ID, err)
		}
	}

	target := subtree[0]
	s.publishChange(ctx, target.Name, eventbus.StructureChangeDeleted, "")
	s.logger.Info("namespace_deleted",
		"name", target.Name, "descendants", len(subtree)-1, "topics_unmapped", cleared)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// collectNamespaceSubtree returns the full paths and rows of a namespace
// and its descendants, parents before children (index 0 is the target).
func (s *StructureService) collectNamespaceSubtree(ctx context.Context, id string) ([]string, []*model.NamespaceConfiguration, error) {
	target, err := s.namespaces.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load namespace: %w", err)
	}
	if target == nil {
		return nil, nil, NewNotFoundError("namespace", id)
	}

	all, err := s.namespaces.GetAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load namespaces: %w", err)
	}
	byParent := make(map[string][]*model.NamespaceConfiguration)
	byID := make(map[string]*model.NamespaceConfiguration)
	for _, ns := range all {
		byParent[ns.ParentNamespaceID] = append(byParent[ns.ParentNamespaceID], ns)
		byID[ns.ID] = ns
	}

	var paths []string
	var subtree []*model.NamespaceConfiguration
	var walk func(ns *model.NamespaceConfiguration)
	walk = func(ns *model.NamespaceConfiguration) {
		subtree = append(subtree, ns)
		paths = append(paths, s.namespaceFullPath(ns, byID))
		for _, child := range byParent[ns.ID] {
			walk(child)
		}
	}
	walk(byID[target.ID])
	return paths, subtree, nil
}

// namespaceFullPath builds the UNS path of a namespace: its anchor
// instance path followed by the namespace name chain.
func (s *StructureService) namespaceFullPath(ns *model.NamespaceConfiguration, byID map[string]*model.NamespaceConfiguration) string {
	var names []string
	for current := ns; current != nil; current = byID[current.ParentNamespaceID] {
		names = append([]string{current.Name}, names...)
		if current.ParentNamespaceID == "" {
			break
		}
	}
	anchor := ns.HierarchicalPath.String()
	if anchor == "" {
		return strings.Join(names, "/")
	}
	return anchor + "/" + strings.Join(names, "/")
}

// instanceFullPath walks the parent chain to build an instance's path.
func (s *StructureService) instanceFullPath(ctx context.Context, inst *model.NSTreeInstance) (string, error) {
	names := []string{inst.Name}
	current := inst
	for current.ParentInstanceID != "" {
		parent, err := s.instances.GetByID(ctx, current.ParentInstanceID)
		if err != nil {
			return "", fmt.Errorf("load parent instance: %w", err)
		}
		if parent == nil {
			break
		}
		names = append([]string{parent.Name}, names...)
		current = parent
	}
	return strings.Join(names, "/"), nil
}

// namespacesAtPath returns root namespaces anchored at an instance path.
func (s *StructureService) namespacesAtPath(ctx context.Context, fullPath string) ([]*model.NamespaceConfiguration, error) {
	all, err := s.namespaces.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load namespaces: %w", err)
	}
	key := strings.ToLower(fullPath)
	var out []*model.NamespaceConfiguration
	for _, ns := range all {
		if ns.ParentNamespaceID == "" && ns.HierarchicalPath.PathKey() == key {
			out = append(out, ns)
		}
	}
	return out, nil
}

func (s *StructureService) publishChange(ctx context.Context, name string, changeType eventbus.StructureChangeType, changedBy string) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, &eventbus.NamespaceStructureChanged{
		ChangedNamespace: name,
		ChangeType:       changeType,
		ChangedBy:        changedBy,
	})
}
