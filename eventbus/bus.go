package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity is the per-subscriber dispatch queue depth.
const DefaultQueueCapacity = 1024

// subscriberEntry holds a subscriber with its unique ID and dispatch queue.
// Each subscriber drains its own queue on a dedicated worker, so one slow
// subscriber cannot stall another and per-subscriber delivery order matches
// publish order.
type subscriberEntry struct {
	id      string
	kind    string
	handler Handler
	queue   chan dispatchItem
	stopped bool // guarded by the bus mutex; true once the queue is closed
}

// dispatchItem carries one published event to a subscriber worker.
type dispatchItem struct {
	ctx   context.Context
	event Event
}

// InMemoryBus is the in-memory implementation of Bus.
//
// Thread-safe, async-delivery event bus for single-process deployments.
//
// Features:
//   - Event fan-out to multiple subscribers
//   - Per-subscriber ordered delivery on dedicated workers
//   - Bounded dispatch queues with drop-on-overflow (publisher never blocks)
//   - Middleware chain for cross-cutting concerns
//   - Structured logging with injectable logger
type InMemoryBus struct {
	subscribers   map[string][]*subscriberEntry
	middleware    []Middleware
	queueCapacity int
	nextSubID     uint64 // atomic counter for unique subscriber IDs
	closed        bool
	logger        Logger
	wg            sync.WaitGroup
	mu            sync.RWMutex
}

// NewInMemoryBus creates a new InMemoryBus with the default queue capacity.
func NewInMemoryBus(logger Logger) *InMemoryBus {
	return NewInMemoryBusWithCapacity(logger, DefaultQueueCapacity)
}

// NewInMemoryBusWithCapacity creates a new InMemoryBus with a custom
// per-subscriber queue capacity.
func NewInMemoryBusWithCapacity(logger Logger, queueCapacity int) *InMemoryBus {
	if logger == nil {
		logger = NopLogger()
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &InMemoryBus{
		subscribers:   make(map[string][]*subscriberEntry),
		middleware:    make([]Middleware, 0),
		queueCapacity: queueCapacity,
		logger:        logger,
	}
}

// =============================================================================
// PUBLISHING
// =============================================================================

// Publish accepts an event for dispatch to all current subscribers.
// Publish returns once the event has been enqueued everywhere; delivery
// happens on each subscriber's worker. A full subscriber queue drops the
// event for that subscriber only.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) error {
	kind := event.Kind()

	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return NewPublishAbortedError(kind, err)
	}
	if processed == nil {
		b.logger.Debug("event_aborted_by_middleware", "event_kind", kind)
		return nil
	}

	// Snapshot subscribers so handlers registered during this publish are
	// not invoked for it, and so no lock is held while enqueuing.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return NewBusClosedError(kind)
	}
	entries := b.subscribers[kind]
	entriesCopy := make([]*subscriberEntry, len(entries))
	copy(entriesCopy, entries)
	b.mu.RUnlock()

	if len(entriesCopy) == 0 {
		b.logger.Debug("no_subscribers_for_event", "event_kind", kind)
		b.runMiddlewareAfter(ctx, processed, nil)
		return nil
	}

	// Delivery must not be cancelled with the publisher; keep values
	// (trace context) but detach cancellation.
	item := dispatchItem{ctx: context.WithoutCancel(ctx), event: processed}

	var firstErr error
	for _, entry := range entriesCopy {
		select {
		case entry.queue <- item:
		default:
			b.logger.Warn("subscriber_queue_full",
				"event_kind", kind, "sub_id", entry.id, "queue_size", b.queueCapacity)
			if firstErr == nil {
				firstErr = fmt.Errorf("subscriber %s queue full for %s", entry.id, kind)
			}
		}
	}

	b.runMiddlewareAfter(ctx, processed, firstErr)
	return nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes a handler to an event kind.
// Returns an unsubscribe function for cleanup.
// The unsubscribe function is safe to call multiple times (idempotent).
func (b *InMemoryBus) Subscribe(kind string, handler Handler) func() {
	subID := fmt.Sprintf("sub_%d", atomic.AddUint64(&b.nextSubID, 1))

	entry := &subscriberEntry{
		id:      subID,
		kind:    kind,
		handler: handler,
		queue:   make(chan dispatchItem, b.queueCapacity),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("subscribe_on_closed_bus", "event_kind", kind)
		return func() {}
	}
	b.subscribers[kind] = append(b.subscribers[kind], entry)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.dispatchLoop(entry)

	b.logger.Debug("subscribed", "event_kind", kind, "sub_id", subID)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(entry)
	}
}

// removeLocked unregisters an entry and closes its queue exactly once.
// Caller must hold b.mu.
func (b *InMemoryBus) removeLocked(entry *subscriberEntry) {
	if entry.stopped {
		return // already unsubscribed - safe (idempotent)
	}
	entry.stopped = true
	entries := b.subscribers[entry.kind]
	for i, e := range entries {
		if e.id == entry.id {
			b.subscribers[entry.kind] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	close(entry.queue)
	b.logger.Debug("unsubscribed", "event_kind", entry.kind, "sub_id", entry.id)
}

// dispatchLoop drains one subscriber's queue in order.
func (b *InMemoryBus) dispatchLoop(entry *subscriberEntry) {
	defer b.wg.Done()
	for item := range entry.queue {
		b.deliver(entry, item)
	}
}

// deliver invokes a handler, isolating the bus from handler errors and panics.
func (b *InMemoryBus) deliver(entry *subscriberEntry, item dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber_panicked",
				"event_kind", entry.kind, "sub_id", entry.id, "panic", fmt.Sprint(r))
		}
	}()
	if err := entry.handler(item.ctx, item.event); err != nil {
		b.logger.Warn("subscriber_failed",
			"event_kind", entry.kind, "sub_id", entry.id, "error", err.Error())
	}
}

// AddMiddleware adds middleware to the bus.
// Middleware is executed in registration order.
func (b *InMemoryBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
	b.logger.Debug("middleware_added")
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// SubscriberCount returns the number of live subscribers for a kind.
func (b *InMemoryBus) SubscriberCount(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[kind])
}

// RegisteredKinds returns all kinds with at least one subscriber.
func (b *InMemoryBus) RegisteredKinds() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kinds := make([]string, 0, len(b.subscribers))
	for k, entries := range b.subscribers {
		if len(entries) > 0 {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Close stops accepting publishes, closes all subscriber queues, and waits
// for in-flight deliveries to drain until ctx is done.
func (b *InMemoryBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscriberEntry
	for _, entries := range b.subscribers {
		all = append(all, entries...)
	}
	for _, entry := range all {
		b.removeLocked(entry)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("bus_closed")
		return nil
	case <-ctx.Done():
		b.logger.Warn("bus_close_timed_out")
		return ctx.Err()
	}
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// runMiddlewareBefore runs the middleware before chain.
func (b *InMemoryBus) runMiddlewareBefore(ctx context.Context, event Event) (Event, error) {
	b.mu.RLock()
	middlewareCopy := make([]Middleware, len(b.middleware))
	copy(middlewareCopy, b.middleware)
	b.mu.RUnlock()

	current := event
	for _, mw := range middlewareCopy {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the middleware after chain in reverse order.
func (b *InMemoryBus) runMiddlewareAfter(ctx context.Context, event Event, err error) {
	b.mu.RLock()
	middlewareCopy := make([]Middleware, len(b.middleware))
	copy(middlewareCopy, b.middleware)
	b.mu.RUnlock()

	for i := len(middlewareCopy) - 1; i >= 0; i-- {
		middlewareCopy[i].After(ctx, event, err)
	}
}

// Ensure InMemoryBus implements the Bus interface.
var _ Bus = (*InMemoryBus)(nil)
