package observability

import (
	"context"

	"github.com/unsinfra-organization/unsbroker/eventbus"
)

// BusMetricsMiddleware records event-bus traffic in Prometheus.
type BusMetricsMiddleware struct{}

// NewBusMetricsMiddleware creates the metrics middleware.
func NewBusMetricsMiddleware() *BusMetricsMiddleware { return &BusMetricsMiddleware{} }

// Before counts the publish.
func (m *BusMetricsMiddleware) Before(ctx context.Context, event eventbus.Event) (eventbus.Event, error) {
	RecordEventPublished(event.Kind())
	return event, nil
}

// After counts enqueue failures.
func (m *BusMetricsMiddleware) After(ctx context.Context, event eventbus.Event, err error) {
	if err != nil {
		RecordEventEnqueueFailure(event.Kind())
	}
}

var _ eventbus.Middleware = (*BusMetricsMiddleware)(nil)
