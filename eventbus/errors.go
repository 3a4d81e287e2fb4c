package eventbus

import (
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// BusClosedError is returned when publishing to a closed bus.
type BusClosedError struct {
	EventKind string
}

func (e *BusClosedError) Error() string {
	return fmt.Sprintf("event bus is closed, dropped %s", e.EventKind)
}

// NewBusClosedError creates a new BusClosedError.
func NewBusClosedError(eventKind string) *BusClosedError {
	return &BusClosedError{EventKind: eventKind}
}

// PublishAbortedError is returned when middleware aborts a publish with an
// error rather than silently dropping it.
type PublishAbortedError struct {
	EventKind string
	Cause     error
}

func (e *PublishAbortedError) Error() string {
	return fmt.Sprintf("publish of %s aborted by middleware: %v", e.EventKind, e.Cause)
}

func (e *PublishAbortedError) Unwrap() error {
	return e.Cause
}

// NewPublishAbortedError creates a new PublishAbortedError.
func NewPublishAbortedError(eventKind string, cause error) *PublishAbortedError {
	return &PublishAbortedError{EventKind: eventKind, Cause: cause}
}
