// Package ingestion implements the bounded, batched, back-pressured path
// from connection callbacks through realtime and historical storage out to
// the event bus.
//
// One batcher task drains the data queue; one topic task drains the
// new-topic queue. Storage latency is isolated from protocol receive loops
// by the queues; a full queue drops the newest data with a warning,
// preserving correctness of older data over freshness of new data.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/unsinfra-organization/unsbroker/broker/config"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
	"github.com/unsinfra-organization/unsbroker/broker/observability"
	"github.com/unsinfra-organization/unsbroker/broker/repository"
	"github.com/unsinfra-organization/unsbroker/broker/storage"
	"github.com/unsinfra-organization/unsbroker/eventbus"
)

// Mapper is the slice of the auto-mapper the pipeline consumes for newly
// discovered topics.
type Mapper interface {
	MapTopic(ctx context.Context, topic string) (string, bool)
}

// topicDiscovery is one queued first-sight of a topic.
type topicDiscovery struct {
	topic      string
	sourceType string
	firstSeen  time.Time
	latest     *model.DataPoint
}

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline bridges connection callbacks to storage and the event bus.
type Pipeline struct {
	cfg        *config.BrokerConfig
	realtime   storage.Realtime
	historical storage.Historical
	topics     repository.TopicConfigurationRepository
	mapper     Mapper
	bus        eventbus.Bus
	logger     logging.Logger

	dataQueue  chan *model.DataPoint
	topicQueue chan topicDiscovery

	// known is the process-local set of seen topics. Topics rediscovered
	// after a restart re-fire TopicAdded; that is accepted.
	known map[string]struct{}
	// verified mirrors the repository's verified topics, refreshed
	// periodically.
	verified map[string]struct{}
	// pendingAdd holds topics whose TopicAdded has not been published yet;
	// their updates are held back to keep TopicAdded first.
	pendingAdd map[string]struct{}
	// carryOver holds collapsed updates beyond the per-batch publish cap,
	// folded into the next flush.
	carryOver map[string]*model.DataPoint
	mu        sync.Mutex

	group   *errgroup.Group
	cancel  context.CancelFunc
	running bool
	runMu   sync.Mutex
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(
	cfg *config.BrokerConfig,
	realtime storage.Realtime,
	historical storage.Historical,
	topics repository.TopicConfigurationRepository,
	mapper Mapper,
	bus eventbus.Bus,
	logger logging.Logger,
) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultBrokerConfig()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		realtime:   realtime,
		historical: historical,
		topics:     topics,
		mapper:     mapper,
		bus:        bus,
		logger:     logger,
		dataQueue:  make(chan *model.DataPoint, cfg.DataQueueCapacity),
		topicQueue: make(chan topicDiscovery, cfg.TopicQueueCapacity),
		known:      make(map[string]struct{}),
		verified:   make(map[string]struct{}),
		pendingAdd: make(map[string]struct{}),
		carryOver:  make(map[string]*model.DataPoint),
	}
}

// =============================================================================
// INGRESS
// =============================================================================

// Enqueue accepts a datapoint from a connection callback. Never blocks;
// returns false when the queue is full and the datapoint was dropped.
func (p *Pipeline) Enqueue(dp *model.DataPoint) bool {
	if dp == nil || dp.Topic == "" {
		return false
	}
	select {
	case p.dataQueue <- dp:
		observability.RecordDataPointIngested(dp.Source)
		observability.SetQueueDepth("data", len(p.dataQueue))
		return true
	default:
		observability.RecordDataPointDropped("queue_overflow")
		return false
	}
}

// QueueDepth returns the current data-queue depth.
func (p *Pipeline) QueueDepth() int {
	return len(p.dataQueue)
}

// RegisterTopics registers many topics at once, e.g. from an import.
// Rows are written for topics without one, every topic is marked known so
// discovery does not re-fire, and a single BulkTopicsAdded summarizes the
// registration.
func (p *Pipeline) RegisterTopics(ctx context.Context, topics []string, source string) error {
	now := time.Now().UTC()
	var items []eventbus.TopicAdded

	for _, topic := range topics {
		if topic == "" {
			continue
		}
		p.mu.Lock()
		_, seen := p.known[topic]
		p.known[topic] = struct{}{}
		p.mu.Unlock()
		if seen {
			continue
		}

		existing, err := p.topics.GetByTopic(ctx, topic)
		if err != nil {
			return fmt.Errorf("look up topic %s: %w", topic, err)
		}
		if existing == nil {
			row := &model.TopicConfiguration{
				Topic:      topic,
				SourceType: source,
				IsActive:   true,
				CreatedAt:  now,
				ModifiedAt: now,
			}
			if err := p.topics.Save(ctx, row); err != nil {
				return fmt.Errorf("persist topic %s: %w", topic, err)
			}
		}
		if p.mapper != nil {
			p.mapper.MapTopic(ctx, topic)
		}
		items = append(items, eventbus.TopicAdded{Topic: topic, Source: source, CreatedAt: now})
	}

	if len(items) > 0 {
		_ = p.bus.Publish(ctx, &eventbus.BulkTopicsAdded{Items: items, Source: source})
		p.logger.Info("topics_registered", "count", len(items))
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches the batcher, the topic-persistence task, and the
// maintenance loops.
func (p *Pipeline) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return nil
	}

	if err := p.refreshVerified(ctx); err != nil {
		p.logger.Warn("verified_set_initial_load_failed", "error", err.Error())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	p.cancel = cancel
	p.group = group
	p.running = true

	group.Go(func() error { return p.batchLoop(groupCtx) })
	group.Go(func() error { return p.topicLoop(groupCtx) })
	group.Go(func() error { return p.verifiedLoop(groupCtx) })
	group.Go(func() error { return p.cleanupLoop(groupCtx) })

	p.logger.Info("ingestion_started",
		"batch_size", p.cfg.BatchSize, "queue_size", p.cfg.DataQueueCapacity)
	return nil
}

// Stop drains both queues best-effort within the drain timeout, then
// terminates all tasks.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false

	p.cancel()
	err := p.group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("ingestion_task_failed", "error", err.Error())
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	for len(p.topicQueue) > 0 && drainCtx.Err() == nil {
		p.handleDiscovery(drainCtx, <-p.topicQueue)
	}
	cancelDrain()

	dropped := len(p.dataQueue) + len(p.topicQueue)
	if dropped > 0 {
		p.logger.Warn("ingestion_drain_incomplete", "dropped", dropped)
	}
	p.logger.Info("ingestion_stopped")
	return nil
}

// =============================================================================
// BATCHER
// =============================================================================

// batchLoop accumulates datapoints up to the batch size, flushing partial
// batches on the flush interval.
func (p *Pipeline) batchLoop(ctx context.Context) error {
	batch := make([]*model.DataPoint, 0, p.cfg.BatchSize)
	ticker := time.NewTicker(p.cfg.BatchFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 && p.carryOverLen() == 0 {
			return
		}
		p.processBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			p.drainRemaining(batch)
			return ctx.Err()
		case dp := <-p.dataQueue:
			batch = append(batch, dp)
			observability.SetQueueDepth("data", len(p.dataQueue))
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drainRemaining flushes the in-flight batch and whatever remains in the
// data queue, bounded by the drain timeout.
func (p *Pipeline) drainRemaining(batch []*model.DataPoint) {
	deadline := time.Now().Add(p.cfg.DrainTimeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for {
		for len(batch) < p.cfg.BatchSize {
			select {
			case dp := <-p.dataQueue:
				batch = append(batch, dp)
				continue
			default:
			}
			break
		}
		if len(batch) == 0 {
			return
		}
		if time.Now().After(deadline) {
			dropped := len(batch) + len(p.dataQueue)
			for range dropped {
				observability.RecordDataPointDropped("shutdown")
			}
			p.logger.Warn("drain_deadline_exceeded", "dropped", dropped)
			return
		}
		p.processBatch(ctx, batch)
		batch = batch[:0]
		if len(p.dataQueue) == 0 {
			return
		}
	}
}

// processBatch writes one batch to storage and publishes the resulting
// events. Within a batch, realtime is written before historical, and
// historical writes for unverified topics are suppressed.
func (p *Pipeline) processBatch(ctx context.Context, batch []*model.DataPoint) {
	ctx, span := observability.Tracer().Start(ctx, "ingestion.process_batch")
	defer span.End()

	if len(batch) > 0 {
		verifiedSubset := p.partitionVerified(batch)

		start := time.Now()
		if err := p.storeWithRetry(ctx, "realtime", batch, p.realtime, p.realtimeFallback); err != nil {
			observability.RecordBatchStored("realtime", "error", 0)
			reason := "retry_exhausted"
			if !storage.IsRetryable(err) {
				reason = "fatal_storage"
			}
			for range batch {
				observability.RecordDataPointDropped(reason)
			}
			p.logger.Error("realtime_batch_failed", "batch_size", len(batch), "error", err.Error())
			return
		}
		observability.RecordBatchStored("realtime", "success", time.Since(start).Seconds())

		if len(verifiedSubset) > 0 {
			start = time.Now()
			if err := p.storeWithRetry(ctx, "historical", verifiedSubset, p.historical, p.historicalFallback); err != nil {
				observability.RecordBatchStored("historical", "error", 0)
				p.logger.Error("historical_batch_failed", "batch_size", len(verifiedSubset), "error", err.Error())
			} else {
				observability.RecordBatchStored("historical", "success", time.Since(start).Seconds())
			}
		}

		p.discoverTopics(batch)
	}

	p.publishUpdates(ctx, batch)
}

// partitionVerified returns the subset of the batch whose topics are
// verified.
func (p *Pipeline) partitionVerified(batch []*model.DataPoint) []*model.DataPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	var verified []*model.DataPoint
	for _, dp := range batch {
		if _, ok := p.verified[dp.Topic]; ok {
			verified = append(verified, dp)
		}
	}
	return verified
}

// discoverTopics resolves first-sights against the known set and enqueues
// them for topic persistence.
func (p *Pipeline) discoverTopics(batch []*model.DataPoint) {
	now := time.Now().UTC()
	p.mu.Lock()
	var fresh []topicDiscovery
	for _, dp := range batch {
		if _, seen := p.known[dp.Topic]; seen {
			continue
		}
		p.known[dp.Topic] = struct{}{}
		p.pendingAdd[dp.Topic] = struct{}{}
		fresh = append(fresh, topicDiscovery{
			topic:      dp.Topic,
			sourceType: dp.Source,
			firstSeen:  now,
			latest:     dp,
		})
	}
	p.mu.Unlock()

	for _, td := range fresh {
		select {
		case p.topicQueue <- td:
			observability.SetQueueDepth("new_topic", len(p.topicQueue))
		default:
			// Forget the topic so its next sample queues it again; until
			// then its updates are not held back.
			p.mu.Lock()
			delete(p.known, td.topic)
			delete(p.pendingAdd, td.topic)
			p.mu.Unlock()
			p.logger.Warn("topic_queue_full", "topic", td.topic, "queue_size", p.cfg.TopicQueueCapacity)
		}
	}
}

// publishUpdates collapses the batch by topic to the latest sample and
// publishes at most MaxUpdatesPerBatch TopicDataUpdated events; the rest
// are folded into the next flush. Updates for topics whose TopicAdded is
// still pending are held back.
func (p *Pipeline) publishUpdates(ctx context.Context, batch []*model.DataPoint) {
	p.mu.Lock()
	collapsed := p.carryOver
	p.carryOver = make(map[string]*model.DataPoint)
	for _, dp := range batch {
		if existing, ok := collapsed[dp.Topic]; !ok || dp.Timestamp.After(existing.Timestamp) {
			collapsed[dp.Topic] = dp
		}
	}
	var publish []*model.DataPoint
	for topic, dp := range collapsed {
		if _, held := p.pendingAdd[topic]; held {
			p.carryOver[topic] = dp
			continue
		}
		if len(publish) >= p.cfg.MaxUpdatesPerBatch {
			p.carryOver[topic] = dp
			continue
		}
		publish = append(publish, dp)
	}
	p.mu.Unlock()

	sort.Slice(publish, func(i, j int) bool { return publish[i].Timestamp.Before(publish[j].Timestamp) })
	for _, dp := range publish {
		_ = p.bus.Publish(ctx, &eventbus.TopicDataUpdated{
			Topic:     dp.Topic,
			DataPoint: dp,
			Source:    dp.Source,
		})
	}
}

// carryOverLen returns the number of held-back updates.
func (p *Pipeline) carryOverLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.carryOver)
}

// =============================================================================
// STORAGE WRITES
// =============================================================================

// storeWithRetry writes a batch, preferring the provider's batch
// capability, retrying transient failures with exponential backoff up to
// the configured number of retries. Non-retryable failures abort immediately.
func (p *Pipeline) storeWithRetry(
	ctx context.Context,
	store string,
	batch []*model.DataPoint,
	provider any,
	fallback func(context.Context, []*model.DataPoint) error,
) error {
	write := fallback
	if batcher, ok := provider.(storage.BatchStorer); ok {
		write = batcher.StoreBatch
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.StorageRetryBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := write(ctx, batch)
		if err == nil {
			return nil
		}
		if !storage.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		p.logger.Warn("batch_store_retry",
			"store", store, "attempt", attempt, "batch_size", len(batch), "error", err.Error())
		return err
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(p.cfg.MaxStorageRetries)), ctx))
}

func (p *Pipeline) realtimeFallback(ctx context.Context, batch []*model.DataPoint) error {
	for _, dp := range batch {
		if err := p.realtime.Store(ctx, dp); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) historicalFallback(ctx context.Context, batch []*model.DataPoint) error {
	for _, dp := range batch {
		if err := p.historical.Store(ctx, dp); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TOPIC PERSISTENCE
// =============================================================================

// topicLoop persists config rows for discovered topics, maps them, and
// publishes TopicAdded followed by the topic's first update.
func (p *Pipeline) topicLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case td := <-p.topicQueue:
			p.handleDiscovery(ctx, td)
			observability.SetQueueDepth("new_topic", len(p.topicQueue))
		}
	}
}

func (p *Pipeline) handleDiscovery(ctx context.Context, td topicDiscovery) {
	existing, err := p.topics.GetByTopic(ctx, td.topic)
	if err != nil {
		p.logger.Error("topic_lookup_failed", "topic", td.topic, "error", err.Error())
	}
	if existing == nil {
		row := &model.TopicConfiguration{
			Topic:      td.topic,
			SourceType: td.sourceType,
			IsActive:   true,
			CreatedAt:  td.firstSeen,
			ModifiedAt: td.firstSeen,
		}
		if err := p.topics.Save(ctx, row); err != nil {
			p.logger.Error("topic_persist_failed", "topic", td.topic, "error", err.Error())
		}
	}

	var path *model.HierarchicalPath
	if p.mapper != nil {
		if _, ok := p.mapper.MapTopic(ctx, td.topic); ok {
			if mapped, err := p.topics.GetByTopic(ctx, td.topic); err == nil && mapped != nil {
				clone := mapped.Path.Clone()
				path = &clone
			}
		}
	}

	_ = p.bus.Publish(ctx, &eventbus.TopicAdded{
		Topic:     td.topic,
		Path:      path,
		Source:    td.sourceType,
		CreatedAt: td.firstSeen,
	})

	p.mu.Lock()
	delete(p.pendingAdd, td.topic)
	p.mu.Unlock()

	if td.latest != nil {
		_ = p.bus.Publish(ctx, &eventbus.TopicDataUpdated{
			Topic:     td.topic,
			DataPoint: td.latest,
			Source:    td.latest.Source,
		})
	}
	p.logger.Debug("topic_discovered", "topic", td.topic)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// verifiedLoop reloads the verified-topic set on its own timer.
func (p *Pipeline) verifiedLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.VerifiedRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.refreshVerified(ctx); err != nil {
				p.logger.Warn("verified_set_refresh_failed", "error", err.Error())
			}
		}
	}
}

// refreshVerified reloads the verified-topic names from the repository.
func (p *Pipeline) refreshVerified(ctx context.Context) error {
	names, err := p.topics.GetVerifiedTopics(ctx)
	if err != nil {
		return fmt.Errorf("load verified topics: %w", err)
	}
	next := make(map[string]struct{}, len(names))
	for _, name := range names {
		next[name] = struct{}{}
	}
	p.mu.Lock()
	p.verified = next
	p.mu.Unlock()
	p.logger.Debug("verified_set_refreshed", "count", len(names))
	return nil
}

// cleanupLoop drops aged realtime data and archives aged historical data
// on its own timer, honoring the configured retentions.
func (p *Pipeline) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.runCleanup(ctx)
		}
	}
}

func (p *Pipeline) runCleanup(ctx context.Context) {
	now := time.Now().UTC()
	if cleaner, ok := p.realtime.(storage.Cleaner); ok {
		dropped, err := cleaner.CleanupOlderThan(ctx, now.Add(-p.cfg.RealtimeRetention))
		if err != nil {
			p.logger.Error("realtime_cleanup_failed", "error", err.Error())
		} else if dropped > 0 {
			p.logger.Info("realtime_cleanup", "dropped", dropped)
		}
	}
	if archiver, ok := p.historical.(storage.Archiver); ok {
		archived, err := archiver.ArchiveOlderThan(ctx, now.Add(-p.cfg.HistoricalRetention))
		if err != nil {
			p.logger.Error("historical_archive_failed", "error", err.Error())
		} else if archived > 0 {
			p.logger.Info("historical_archive", "archived", archived)
		}
	}
}
