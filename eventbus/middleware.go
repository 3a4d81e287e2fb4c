// Package eventbus provides bus middleware implementations.
//
// Available Middleware:
//   - LoggingMiddleware: structured logging of all event traffic
//   - CountingMiddleware: per-kind publish counters for introspection
package eventbus

import (
	"context"
	"sync"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all event traffic.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = NopLogger()
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs event receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, event Event) (Event, error) {
	m.logger.Debug("event_published", "event_kind", event.Kind())
	return event, nil
}

// After logs dispatch completion.
func (m *LoggingMiddleware) After(ctx context.Context, event Event, err error) {
	if err != nil {
		m.logger.Warn("event_dispatch_degraded", "event_kind", event.Kind(), "error", err.Error())
	}
}

// =============================================================================
// COUNTING MIDDLEWARE
// =============================================================================

// CountingMiddleware counts publishes and enqueue failures per event kind.
// Useful in tests and as a cheap health signal.
type CountingMiddleware struct {
	published map[string]int64
	failures  map[string]int64
	mu        sync.Mutex
}

// NewCountingMiddleware creates a new CountingMiddleware.
func NewCountingMiddleware() *CountingMiddleware {
	return &CountingMiddleware{
		published: make(map[string]int64),
		failures:  make(map[string]int64),
	}
}

// Before counts the publish.
func (m *CountingMiddleware) Before(ctx context.Context, event Event) (Event, error) {
	m.mu.Lock()
	m.published[event.Kind()]++
	m.mu.Unlock()
	return event, nil
}

// After counts enqueue failures.
func (m *CountingMiddleware) After(ctx context.Context, event Event, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.failures[event.Kind()]++
	m.mu.Unlock()
}

// Published returns the publish count for a kind.
func (m *CountingMiddleware) Published(kind string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published[kind]
}

// Failures returns the enqueue-failure count for a kind.
func (m *CountingMiddleware) Failures(kind string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[kind]
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CountingMiddleware)(nil)
)
