package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "telemetry_"

	resultSuccess = "success"
	resultError   = "error"
	resultInvalid = "invalid"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	consumerDeliveries   *prometheus.CounterVec
	consumerLag          prometheus.Gauge
	consumerQueueWait    prometheus.Histogram
	consumerRedeliveries prometheus.Counter

	storeLatency *prometheus.HistogramVec

	queryRequests *prometheus.CounterVec

	streamClients prometheus.Gauge
)

// Init registers service metrics and DB-backed gauges. db may be nil.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingested envelopes by source and result",
			},
			[]string{"source", "result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "result"},
		)

		consumerDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "consumer_deliveries_total",
				Help: "Queue deliveries by terminal outcome",
			},
			[]string{"outcome"},
		)
		consumerLag = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "consumer_lag_seconds",
				Help: "Age of the last persisted reading at persist time",
			},
		)

		consumerQueueWait = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "consumer_queue_wait_seconds",
				Help:    "Time between publish and the consumer picking a message up",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
			},
		)
		consumerRedeliveries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "consumer_redeliveries_total",
				Help: "Deliveries the broker flagged as redelivered",
			},
		)

		storeLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "store_latency_seconds",
				Help:    "History store operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "result"},
		)

		queryRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "query_requests_total",
				Help: "Total history queries by kind and result",
			},
			[]string{"kind", "result"},
		)

		streamClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stream_clients",
				Help: "Connected live stream clients",
			},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			consumerDeliveries,
			consumerLag,
			consumerQueueWait,
			consumerRedeliveries,
			storeLatency,
			queryRequests,
			streamClients,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest duration and result for a source (queue, http).
func ObserveIngest(source, result string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(source, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(source, result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncConsumerDelivery counts a delivery by its terminal outcome.
func IncConsumerDelivery(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if consumerDeliveries != nil {
		consumerDeliveries.WithLabelValues(outcome).Inc()
	}
}

// ObserveConsumerLag sets the reading-to-persist lag.
func ObserveConsumerLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.Set(lag.Seconds())
	}
}

// ObserveQueueWait records how long a message waited in the queue.
func ObserveQueueWait(wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	if consumerQueueWait != nil {
		consumerQueueWait.Observe(wait.Seconds())
	}
}

// IncConsumerRedelivery counts a broker redelivery.
func IncConsumerRedelivery() {
	if consumerRedeliveries != nil {
		consumerRedeliveries.Inc()
	}
}

// ObserveStore records a history store operation.
func ObserveStore(operation, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if storeLatency != nil {
		storeLatency.WithLabelValues(operation, result).Observe(duration.Seconds())
	}
}

// IncQuery counts a query API request.
func IncQuery(kind, result string) {
	if result == "" {
		result = resultSuccess
	}
	if queryRequests != nil {
		queryRequests.WithLabelValues(kind, result).Inc()
	}
}

// AddStreamClients adjusts the connected stream client gauge.
func AddStreamClients(delta int) {
	if streamClients != nil {
		streamClients.Add(float64(delta))
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultInvalid = resultInvalid

	SourceQueue = "queue"
	SourceHTTP  = "http"
)
