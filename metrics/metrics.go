package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_events_ingested_total",
			Help: "Total number of events ingested",
		},
		[]string{"source"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_events_dropped_total",
			Help: "Total number of events dropped before evaluation",
		},
		[]string{"source", "reason"},
	)

	TCPConnectionPoolActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcorr_tcp_connection_pool_active",
			Help: "Number of open TCP connections per listener",
		},
		[]string{"listener"},
	)

	TCPConnectionPoolRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_tcp_connection_pool_rejected_total",
			Help: "Total number of TCP connections rejected by the connection limits",
		},
		[]string{"listener"},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"classtype"},
	)

	AlertsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_alerts_delivered_total",
			Help: "Total number of alerts delivered by output",
		},
		[]string{"output", "result"},
	)

	AlertsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logcorr_alerts_dropped_total",
			Help: "Total number of alerts dropped because the output queue was full",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logcorr_event_processing_duration_seconds",
			Help:    "Time taken to evaluate one event against the ruleset",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_cache_errors_total",
			Help: "Total number of cache errors",
		},
		[]string{"cache", "operation"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcorr_worker_pool_active_workers",
			Help: "Number of active workers per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcorr_worker_pool_queue_size",
			Help: "Number of queued tasks per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed per pool",
		},
		[]string{"pool"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcorr_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)
)
