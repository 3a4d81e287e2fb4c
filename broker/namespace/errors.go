package namespace

import (
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// DuplicateHierarchyInstanceError is raised when two sibling instances
// would share a name, case-insensitive.
type DuplicateHierarchyInstanceError struct {
	Name             string
	ParentInstanceID string
}

func (e *DuplicateHierarchyInstanceError) Error() string {
	if e.ParentInstanceID == "" {
		return fmt.Sprintf("a root hierarchy instance named %q already exists", e.Name)
	}
	return fmt.Sprintf("a hierarchy instance named %q already exists under parent %s", e.Name, e.ParentInstanceID)
}

// NewDuplicateHierarchyInstanceError creates a new
// DuplicateHierarchyInstanceError.
func NewDuplicateHierarchyInstanceError(name, parentInstanceID string) *DuplicateHierarchyInstanceError {
	return &DuplicateHierarchyInstanceError{Name: name, ParentInstanceID: parentInstanceID}
}

// DuplicateNamespaceError is raised when a namespace would duplicate an
// existing one at the same parent and hierarchical level.
type DuplicateNamespaceError struct {
	Name       string
	ParentPath string
}

func (e *DuplicateNamespaceError) Error() string {
	return fmt.Sprintf("a namespace named %q already exists at %q", e.Name, e.ParentPath)
}

// NewDuplicateNamespaceError creates a new DuplicateNamespaceError.
func NewDuplicateNamespaceError(name, parentPath string) *DuplicateNamespaceError {
	return &DuplicateNamespaceError{Name: name, ParentPath: parentPath}
}

// InstanceHasDependentsError is raised when deleting an instance that still
// has child instances or anchored namespaces.
type InstanceHasDependentsError struct {
	InstanceID     string
	ChildCount     int
	NamespaceCount int
}

func (e *InstanceHasDependentsError) Error() string {
	return fmt.Sprintf("hierarchy instance %s has %d child instances and %d namespaces",
		e.InstanceID, e.ChildCount, e.NamespaceCount)
}

// NewInstanceHasDependentsError creates a new InstanceHasDependentsError.
func NewInstanceHasDependentsError(instanceID string, childCount, namespaceCount int) *InstanceHasDependentsError {
	return &InstanceHasDependentsError{
		InstanceID:     instanceID,
		ChildCount:     childCount,
		NamespaceCount: namespaceCount,
	}
}

// NotFoundError is raised when an operation references a missing row.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}
