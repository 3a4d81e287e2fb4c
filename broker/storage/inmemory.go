package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// =============================================================================
// IN-MEMORY REALTIME STORE
// =============================================================================

// InMemoryRealtime is the in-process Realtime provider.
// Implements the optional BatchStorer and Cleaner capabilities.
type InMemoryRealtime struct {
	latest map[string]*model.DataPoint
	mu     sync.RWMutex
}

// NewInMemoryRealtime creates an empty realtime store.
func NewInMemoryRealtime() *InMemoryRealtime {
	return &InMemoryRealtime{latest: make(map[string]*model.DataPoint)}
}

// Store upserts a single datapoint, most-recent-wins by timestamp.
func (s *InMemoryRealtime) Store(ctx context.Context, dp *model.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.latest[dp.Topic]; ok && existing.Timestamp.After(dp.Timestamp) {
		return nil
	}
	s.latest[dp.Topic] = dp.Clone()
	return nil
}

// StoreBatch upserts a batch of datapoints.
func (s *InMemoryRealtime) StoreBatch(ctx context.Context, dps []*model.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dp := range dps {
		if existing, ok := s.latest[dp.Topic]; ok && existing.Timestamp.After(dp.Timestamp) {
			continue
		}
		s.latest[dp.Topic] = dp.Clone()
	}
	return nil
}

// Get returns the latest datapoint for a topic, or nil if unknown.
func (s *InMemoryRealtime) Get(ctx context.Context, topic string) (*model.DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[topic].Clone(), nil
}

// GetAll returns the latest datapoint of every known topic.
func (s *InMemoryRealtime) GetAll(ctx context.Context) ([]*model.DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.DataPoint, 0, len(s.latest))
	for _, dp := range s.latest {
		out = append(out, dp.Clone())
	}
	return out, nil
}

// CleanupOlderThan drops entries older than the cutoff.
func (s *InMemoryRealtime) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for topic, dp := range s.latest {
		if dp.Timestamp.Before(cutoff) {
			delete(s.latest, topic)
			dropped++
		}
	}
	return dropped, nil
}

// Len returns the number of topics with a latest value.
func (s *InMemoryRealtime) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

// =============================================================================
// IN-MEMORY HISTORICAL STORE
// =============================================================================

// InMemoryHistorical is the in-process Historical provider.
// Implements the optional BatchStorer and Archiver capabilities.
type InMemoryHistorical struct {
	samples  map[string][]*model.DataPoint // per topic, appended in arrival order
	archived int
	mu       sync.RWMutex
}

// NewInMemoryHistorical creates an empty historical store.
func NewInMemoryHistorical() *InMemoryHistorical {
	return &InMemoryHistorical{samples: make(map[string][]*model.DataPoint)}
}

// Store appends a single datapoint.
func (s *InMemoryHistorical) Store(ctx context.Context, dp *model.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[dp.Topic] = append(s.samples[dp.Topic], dp.Clone())
	return nil
}

// StoreBatch appends a batch of datapoints.
func (s *InMemoryHistorical) StoreBatch(ctx context.Context, dps []*model.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dp := range dps {
		s.samples[dp.Topic] = append(s.samples[dp.Topic], dp.Clone())
	}
	return nil
}

// GetRange returns samples for a topic within [from, to), oldest first.
func (s *InMemoryHistorical) GetRange(ctx context.Context, topic string, from, to time.Time) ([]*model.DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.DataPoint
	for _, dp := range s.samples[topic] {
		if !dp.Timestamp.Before(from) && dp.Timestamp.Before(to) {
			out = append(out, dp.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ArchiveOlderThan removes samples older than the cutoff from the hot set.
func (s *InMemoryHistorical) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archived := 0
	for topic, dps := range s.samples {
		kept := dps[:0]
		for _, dp := range dps {
			if dp.Timestamp.Before(cutoff) {
				archived++
				continue
			}
			kept = append(kept, dp)
		}
		if len(kept) == 0 {
			delete(s.samples, topic)
		} else {
			s.samples[topic] = kept
		}
	}
	s.archived += archived
	return archived, nil
}

// Count returns the number of hot samples stored for a topic.
func (s *InMemoryHistorical) Count(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples[topic])
}

var (
	_ Realtime    = (*InMemoryRealtime)(nil)
	_ BatchStorer = (*InMemoryRealtime)(nil)
	_ Cleaner     = (*InMemoryRealtime)(nil)
	_ Historical  = (*InMemoryHistorical)(nil)
	_ BatchStorer = (*InMemoryHistorical)(nil)
	_ Archiver    = (*InMemoryHistorical)(nil)
)
