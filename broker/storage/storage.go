// Package storage defines the storage contracts the broker core consumes.
//
// The core talks to realtime and historical storage only through these
// interfaces; concrete providers (SQLite, ...) are supplied by the hosting
// process. Batch and maintenance capabilities are optional: the ingestion
// pipeline feature-detects them and falls back to per-item calls.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// Realtime stores the latest value per topic. Most-recent-wins on Topic.
type Realtime interface {
	// Store upserts a single datapoint.
	Store(ctx context.Context, dp *model.DataPoint) error

	// Get returns the latest datapoint for a topic, or nil if unknown.
	Get(ctx context.Context, topic string) (*model.DataPoint, error)

	// GetAll returns the latest datapoint of every known topic.
	GetAll(ctx context.Context) ([]*model.DataPoint, error)
}

// Historical stores samples append-only with timestamp ordering.
type Historical interface {
	// Store appends a single datapoint.
	Store(ctx context.Context, dp *model.DataPoint) error

	// GetRange returns samples for a topic within [from, to), oldest first.
	GetRange(ctx context.Context, topic string, from, to time.Time) ([]*model.DataPoint, error)
}

// BatchStorer is the optional batch-write capability.
type BatchStorer interface {
	StoreBatch(ctx context.Context, dps []*model.DataPoint) error
}

// Cleaner is the optional realtime retention capability.
type Cleaner interface {
	// CleanupOlderThan drops data older than the cutoff.
	// Returns the number of dropped samples.
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Archiver is the optional historical retention capability.
type Archiver interface {
	// ArchiveOlderThan moves data older than the cutoff out of the hot set.
	// Returns the number of archived samples.
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// =============================================================================
// ERRORS
// =============================================================================

// StorageError wraps a provider failure with its retry classification.
type StorageError struct {
	Op        string
	Retryable bool
	Cause     error
}

func (e *StorageError) Error() string {
	return "storage " + e.Op + ": " + e.Cause.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewRetryableError wraps a transient provider failure.
func NewRetryableError(op string, cause error) *StorageError {
	return &StorageError{Op: op, Retryable: true, Cause: cause}
}

// NewFatalError wraps a permanent provider failure.
func NewFatalError(op string, cause error) *StorageError {
	return &StorageError{Op: op, Retryable: false, Cause: cause}
}

// retryableFragments matches provider messages that indicate transient
// failures worth retrying: lock contention, teardown races, timeouts.
var retryableFragments = []string{
	"database is locked",
	"database table is locked",
	"disposed",
	"timeout",
	"deadline exceeded",
}

// IsRetryable classifies a storage failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
