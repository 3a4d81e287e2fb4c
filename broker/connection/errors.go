package connection

import (
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// UnknownConnectionTypeError is raised when no descriptor is registered for
// a connection type.
type UnknownConnectionTypeError struct {
	ConnectionType string
}

func (e *UnknownConnectionTypeError) Error() string {
	return fmt.Sprintf("no descriptor registered for connection type %q", e.ConnectionType)
}

// NewUnknownConnectionTypeError creates a new UnknownConnectionTypeError.
func NewUnknownConnectionTypeError(connectionType string) *UnknownConnectionTypeError {
	return &UnknownConnectionTypeError{ConnectionType: connectionType}
}

// InvalidConfigError is raised when a connection configuration fails
// decoding or validation.
type InvalidConfigError struct {
	ConnectionID string
	Cause        error
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for connection %s: %v", e.ConnectionID, e.Cause)
}

func (e *InvalidConfigError) Unwrap() error {
	return e.Cause
}

// NewInvalidConfigError creates a new InvalidConfigError.
func NewInvalidConfigError(connectionID string, cause error) *InvalidConfigError {
	return &InvalidConfigError{ConnectionID: connectionID, Cause: cause}
}

// InitFailedError is raised when a connection fails to initialize or apply
// an input/output.
type InitFailedError struct {
	ConnectionID string
	Cause        error
}

func (e *InitFailedError) Error() string {
	return fmt.Sprintf("initialization failed for connection %s: %v", e.ConnectionID, e.Cause)
}

func (e *InitFailedError) Unwrap() error {
	return e.Cause
}

// NewInitFailedError creates a new InitFailedError.
func NewInitFailedError(connectionID string, cause error) *InitFailedError {
	return &InitFailedError{ConnectionID: connectionID, Cause: cause}
}

// DescriptorAlreadyRegisteredError is raised when registering a duplicate
// connection type.
type DescriptorAlreadyRegisteredError struct {
	ConnectionType string
}

func (e *DescriptorAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("descriptor already registered for connection type %q", e.ConnectionType)
}

// NewDescriptorAlreadyRegisteredError creates a new
// DescriptorAlreadyRegisteredError.
func NewDescriptorAlreadyRegisteredError(connectionType string) *DescriptorAlreadyRegisteredError {
	return &DescriptorAlreadyRegisteredError{ConnectionType: connectionType}
}
