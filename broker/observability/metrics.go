// Package observability provides Prometheus metrics instrumentation for the
// broker core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// INGESTION METRICS
// =============================================================================

var (
	datapointsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uns_datapoints_ingested_total",
			Help: "Total number of datapoints accepted by the ingestion pipeline",
		},
		[]string{"source"},
	)

	datapointsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uns_datapoints_dropped_total",
			Help: "Total number of datapoints dropped",
		},
		[]string{"reason"}, // reason: queue_overflow, retry_exhausted, fatal_storage, shutdown
	)

	batchesStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uns_batches_stored_total",
			Help: "Total number of batches written to storage",
		},
		[]string{"store", "status"}, // store: realtime, historical; status: success, error
	)

	batchStoreDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uns_batch_store_duration_seconds",
			Help:    "Batch storage write duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"store"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uns_ingestion_queue_depth",
			Help: "Current depth of the ingestion queues",
		},
		[]string{"queue"}, // queue: data, new_topic
	)
)

// RecordDataPointIngested counts one accepted datapoint.
func RecordDataPointIngested(source string) {
	datapointsIngestedTotal.WithLabelValues(source).Inc()
}

// RecordDataPointDropped counts one dropped datapoint.
func RecordDataPointDropped(reason string) {
	datapointsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordBatchStored counts one batch write.
func RecordBatchStored(store, status string, seconds float64) {
	batchesStoredTotal.WithLabelValues(store, status).Inc()
	if status == "success" {
		batchStoreDurationSeconds.WithLabelValues(store).Observe(seconds)
	}
}

// SetQueueDepth records the current depth of an ingestion queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// =============================================================================
// EVENT BUS METRICS
// =============================================================================

var (
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uns_events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"kind"},
	)

	eventEnqueueFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uns_event_enqueue_failures_total",
			Help: "Total number of subscriber-queue overflows",
		},
		[]string{"kind"},
	)
)

// RecordEventPublished counts one published event.
func RecordEventPublished(kind string) {
	eventsPublishedTotal.WithLabelValues(kind).Inc()
}

// RecordEventEnqueueFailure counts one subscriber-queue overflow.
func RecordEventEnqueueFailure(kind string) {
	eventEnqueueFailuresTotal.WithLabelValues(kind).Inc()
}

// =============================================================================
// AUTO-MAPPER METRICS
// =============================================================================

var (
	automapperCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uns_automapper_cache_size",
			Help: "Number of namespace paths in the auto-mapper cache",
		},
	)

	automapperLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uns_automapper_lookups_total",
			Help: "Total number of auto-mapper lookups",
		},
		[]string{"result"}, // result: hit, miss
	)
)

// SetAutomapperCacheSize records the cache size after a refresh.
func SetAutomapperCacheSize(size int) {
	automapperCacheSize.Set(float64(size))
}

// RecordAutomapperLookup counts one lookup.
func RecordAutomapperLookup(hit bool) {
	if hit {
		automapperLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		automapperLookupsTotal.WithLabelValues("miss").Inc()
	}
}

// =============================================================================
// CONNECTION METRICS
// =============================================================================

var (
	connectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uns_connection_status",
			Help: "Connection status (1 for the current status, 0 otherwise)",
		},
		[]string{"connection_id", "status"},
	)

	connectionStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uns_connection_starts_total",
			Help: "Total number of connection start attempts",
		},
		[]string{"connection_type", "status"}, // status: success, error
	)
)

// RecordConnectionStatus flips the status gauge for a connection.
func RecordConnectionStatus(connectionID, oldStatus, newStatus string) {
	if oldStatus != "" {
		connectionStatus.WithLabelValues(connectionID, oldStatus).Set(0)
	}
	connectionStatus.WithLabelValues(connectionID, newStatus).Set(1)
}

// RecordConnectionStart counts one start attempt.
func RecordConnectionStart(connectionType, status string) {
	connectionStartsTotal.WithLabelValues(connectionType, status).Inc()
}
