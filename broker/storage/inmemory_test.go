package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsinfra-organization/unsbroker/broker/model"
)

func dp(topic string, value any, ts time.Time) *model.DataPoint {
	return &model.DataPoint{Topic: topic, Value: value, Timestamp: ts, Source: "test", Quality: model.QualityGood}
}

// =============================================================================
// REALTIME
// =============================================================================

func TestRealtimeMostRecentWins(t *testing.T) {
	store := NewInMemoryRealtime()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Store(ctx, dp("sensors/x", 1, now)))
	require.NoError(t, store.Store(ctx, dp("sensors/x", 2, now.Add(time.Second))))
	// An out-of-order older sample must not win.
	require.NoError(t, store.Store(ctx, dp("sensors/x", 0, now.Add(-time.Second))))

	latest, err := store.Get(ctx, "sensors/x")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Value)
	assert.Equal(t, 1, store.Len())
}

func TestRealtimeGetUnknownTopicReturnsNil(t *testing.T) {
	store := NewInMemoryRealtime()
	latest, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRealtimeCleanupOlderThan(t *testing.T) {
	store := NewInMemoryRealtime()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.StoreBatch(ctx, []*model.DataPoint{
		dp("old", 1, now.Add(-48*time.Hour)),
		dp("fresh", 2, now),
	}))

	dropped, err := store.CleanupOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, store.Len())
}

// =============================================================================
// HISTORICAL
// =============================================================================

func TestHistoricalGetRangeIsOrderedAndHalfOpen(t *testing.T) {
	store := NewInMemoryHistorical()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.StoreBatch(ctx, []*model.DataPoint{
		dp("t", 3, base.Add(3*time.Second)),
		dp("t", 1, base.Add(1*time.Second)),
		dp("t", 2, base.Add(2*time.Second)),
	}))

	samples, err := store.GetRange(ctx, "t", base.Add(time.Second), base.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 1, samples[0].Value)
	assert.Equal(t, 2, samples[1].Value)
}

func TestHistoricalArchiveOlderThan(t *testing.T) {
	store := NewInMemoryHistorical()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.StoreBatch(ctx, []*model.DataPoint{
		dp("t", 1, now.Add(-40*24*time.Hour)),
		dp("t", 2, now),
	}))

	archived, err := store.ArchiveOlderThan(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	assert.Equal(t, 1, store.Count("t"))
}

// =============================================================================
// RETRY CLASSIFICATION
// =============================================================================

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"tagged retryable", NewRetryableError("store", errors.New("busy")), true},
		{"tagged fatal", NewFatalError("store", errors.New("schema mismatch")), false},
		{"locked message", errors.New("database is locked"), true},
		{"disposed message", errors.New("cannot access a disposed object"), true},
		{"timeout message", errors.New("write timeout"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"other", errors.New("constraint violation"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
