// Package automapper resolves raw source topics to namespace paths by
// longest-suffix match against a cached, suffix-indexed view of the
// namespace tree.
//
// The cache is rebuilt atomically and swapped behind a single pointer;
// readers take a snapshot. Each topic is mapped at most once per cache
// generation; unmappable topics are remembered as pending and re-evaluated
// exactly once after every refresh.
package automapper

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
	"github.com/unsinfra-organization/unsbroker/broker/observability"
	"github.com/unsinfra-organization/unsbroker/broker/repository"
	"github.com/unsinfra-organization/unsbroker/eventbus"
)

// minMatchDepth is the minimum suffix length considered for a match.
const minMatchDepth = 2

// =============================================================================
// STRUCTURE SOURCE
// =============================================================================

// StructureSource is the slice of the namespace structure service the
// mapper consumes.
type StructureSource interface {
	// NamespacePaths returns the full path of every node in the tree.
	NamespacePaths(ctx context.Context) ([]string, error)

	// HierarchyLevelNames returns the active hierarchy's level names in
	// configured order.
	HierarchyLevelNames(ctx context.Context) ([]string, error)
}

// =============================================================================
// CACHE
// =============================================================================

// cachedPath is one namespace path in suffix-indexed form.
type cachedPath struct {
	path     string   // original casing, e.g. "Enterprise1/Site1/Area1"
	segments []string // lowercased
}

// pathCache is one immutable cache generation.
type pathCache struct {
	generation uint64
	bySuffix   map[string][]cachedPath // key: lowercased trailing segment
	size       int

	// processed memoizes per-generation mapping results: topic -> path
	// ("" for no match). Guarded by the service mutex.
	processed map[string]string
}

// Stats are the mapper's observability counters.
type Stats struct {
	Generation  uint64 `json:"generation"`
	CacheSize   int    `json:"cache_size"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
	Pending     int    `json:"pending"`
}

// HitRatio returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the auto-mapper.
type Service struct {
	source StructureSource
	topics repository.TopicConfigurationRepository
	bus    eventbus.Bus
	logger logging.Logger

	cache      *pathCache
	pending    *lruSet
	levelNames []string
	hits       uint64
	misses     uint64
	mu         sync.Mutex

	unsubscribe func()
}

// NewService creates an auto-mapper.
func NewService(
	source StructureSource,
	topics repository.TopicConfigurationRepository,
	bus eventbus.Bus,
	pendingCapacity int,
	logger logging.Logger,
) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		source:  source,
		topics:  topics,
		bus:     bus,
		logger:  logger,
		cache:   &pathCache{bySuffix: map[string][]cachedPath{}, processed: map[string]string{}},
		pending: newLRUSet(pendingCapacity),
	}
}

// Start warms the cache and subscribes to namespace structure changes.
func (s *Service) Start(ctx context.Context) error {
	s.InitializeCache(ctx)
	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(eventbus.KindNamespaceStructureChanged,
			func(ctx context.Context, event eventbus.Event) error {
				s.RefreshCache(ctx)
				return nil
			})
	}
	return nil
}

// Stop unsubscribes from the bus.
func (s *Service) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// =============================================================================
// CACHE LIFECYCLE
// =============================================================================

// InitializeCache warms the cache from the structure source. An absent or
// failing source leaves the cache empty; all mappings then report no match
// without crashing.
func (s *Service) InitializeCache(ctx context.Context) {
	s.rebuild(ctx)
}

// RefreshCache rebuilds the cache and re-queues every pending topic for
// mapping exactly once against the new generation.
func (s *Service) RefreshCache(ctx context.Context) {
	s.rebuild(ctx)

	s.mu.Lock()
	requeue := s.pending.Drain()
	s.mu.Unlock()

	for _, topic := range requeue {
		s.MapTopic(ctx, topic)
	}
	if len(requeue) > 0 {
		s.logger.Info("pending_topics_requeued", "count", len(requeue))
	}
}

// rebuild constructs a new cache generation and swaps it in atomically.
func (s *Service) rebuild(ctx context.Context) {
	var paths []string
	var levelNames []string
	if s.source == nil {
		s.logger.Error("structure_source_absent")
	} else {
		var err error
		paths, err = s.source.NamespacePaths(ctx)
		if err != nil {
			s.logger.Error("namespace_paths_load_failed", "error", err.Error())
			paths = nil
		}
		levelNames, err = s.source.HierarchyLevelNames(ctx)
		if err != nil {
			s.logger.Error("hierarchy_levels_load_failed", "error", err.Error())
		}
	}

	bySuffix := make(map[string][]cachedPath)
	for _, path := range paths {
		segments := strings.Split(strings.ToLower(path), "/")
		if len(segments) == 0 {
			continue
		}
		trailing := segments[len(segments)-1]
		bySuffix[trailing] = append(bySuffix[trailing], cachedPath{path: path, segments: segments})
	}

	s.mu.Lock()
	next := &pathCache{
		generation: s.cache.generation + 1,
		bySuffix:   bySuffix,
		size:       len(paths),
		processed:  make(map[string]string),
	}
	s.cache = next
	s.levelNames = levelNames
	s.mu.Unlock()

	observability.SetAutomapperCacheSize(len(paths))
	s.logger.Info("cache_refreshed", "cache_size", len(paths), "generation", next.generation)
}

// Stats returns a snapshot of the mapper counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Generation:  s.cache.generation,
		CacheSize:   s.cache.size,
		CacheHits:   s.hits,
		CacheMisses: s.misses,
		Pending:     s.pending.Len(),
	}
}

// =============================================================================
// MAPPING
// =============================================================================

// TryMapTopic resolves a topic to the longest matching namespace path.
// Returns the path and whether a match was found. Results are memoized per
// cache generation; the second lookup of an unchanged topic is a cache hit.
func (s *Service) TryMapTopic(topic string) (string, bool) {
	s.mu.Lock()
	cache := s.cache
	if result, done := cache.processed[topic]; done {
		s.hits++
		s.mu.Unlock()
		observability.RecordAutomapperLookup(true)
		return result, result != ""
	}
	s.misses++
	result := matchLongestSuffix(cache.bySuffix, topic)
	cache.processed[topic] = result
	s.mu.Unlock()

	observability.RecordAutomapperLookup(false)
	return result, result != ""
}

// MapTopic maps a topic, persists a successful assignment on the topic's
// configuration row, and publishes the outcome event. Unmapped topics are
// remembered as pending for the next cache refresh.
func (s *Service) MapTopic(ctx context.Context, topic string) (string, bool) {
	path, ok := s.TryMapTopic(topic)
	if !ok {
		s.mu.Lock()
		evicted, overflow := s.pending.Add(topic)
		s.mu.Unlock()
		if overflow {
			s.logger.Debug("pending_topic_evicted", "topic", evicted)
		}
		if s.bus != nil {
			_ = s.bus.Publish(ctx, &eventbus.TopicAutoMappingFailed{
				Topic:  topic,
				Reason: eventbus.MappingFailureNoMatch,
			})
		}
		return "", false
	}

	if err := s.persistAssignment(ctx, topic, path); err != nil {
		s.logger.Error("assignment_persist_failed", "topic", topic, "error", err.Error())
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, &eventbus.TopicAutoMapped{Topic: topic, MappedNamespace: path})
	}
	s.logger.Debug("topic_auto_mapped", "topic", topic, "ns_path", path)
	return path, true
}

// persistAssignment writes NSPath and Path onto the topic's row.
func (s *Service) persistAssignment(ctx context.Context, topic, path string) error {
	if s.topics == nil {
		return nil
	}
	tc, err := s.topics.GetByTopic(ctx, topic)
	if err != nil {
		return err
	}
	if tc == nil {
		// The pipeline writes the row before mapping; a missing row means
		// the topic was deleted in the meantime.
		return nil
	}
	tc.AssignNamespace(path, s.buildHierarchicalPath(path), time.Now().UTC())
	return s.topics.Save(ctx, tc)
}

// buildHierarchicalPath zips the active hierarchy's level names with the
// path segments. Segments beyond the configured levels (user namespace
// folders) are labeled Namespace.
func (s *Service) buildHierarchicalPath(path string) model.HierarchicalPath {
	s.mu.Lock()
	levelNames := s.levelNames
	s.mu.Unlock()

	hp := model.NewHierarchicalPath()
	for i, segment := range strings.Split(path, "/") {
		name := "Namespace"
		if i < len(levelNames) {
			name = levelNames[i]
		}
		hp = hp.Set(name, segment)
	}
	return hp
}

// matchLongestSuffix tests every contiguous run of topic segments of
// length >= minMatchDepth against the index and returns the path of
// maximum depth. The index is keyed by trailing path segment, so only
// paths ending in one of the topic's segments are compared. Ties on depth
// are broken by earliest occurrence in the topic: the best match is only
// replaced on strictly greater depth while window ends are scanned left to
// right.
func matchLongestSuffix(bySuffix map[string][]cachedPath, topic string) string {
	segments := strings.Split(strings.ToLower(topic), "/")
	if len(segments) < minMatchDepth {
		return ""
	}

	best := ""
	bestDepth := 0
	for end := minMatchDepth - 1; end < len(segments); end++ {
		for _, candidate := range bySuffix[segments[end]] {
			depth := len(candidate.segments)
			if depth < minMatchDepth || depth <= bestDepth {
				continue
			}
			start := end - depth + 1
			if start < 0 {
				continue
			}
			if segmentsEqual(candidate.segments, segments[start:end+1]) {
				best = candidate.path
				bestDepth = depth
			}
		}
	}
	return best
}

func segmentsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
