package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records HTTP handler latency, labeled by method/route/status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "governor",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// BudgetTripsTotal counts circuit-breaker trips by violated resource.
var BudgetTripsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "budget",
		Name:      "trips_total",
		Help:      "Total number of feature circuit-breaker trips, by violated resource.",
	},
	[]string{"violated_resource"},
)

// BudgetAutoResetsTotal counts circuit breakers cleared by the auto-reset sweep.
var BudgetAutoResetsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "budget",
		Name:      "auto_resets_total",
		Help:      "Total number of circuit breakers auto-reset by the sweep.",
	},
)

// ConsumerBatchDuration records telemetry batch processing latency.
var ConsumerBatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "governor",
		Subsystem: "consumer",
		Name:      "batch_duration_seconds",
		Help:      "Time to process one telemetry batch.",
		Buckets:   prometheus.DefBuckets,
	},
)

// ConsumerMessagesTotal counts processed telemetry messages by outcome.
var ConsumerMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Total telemetry messages processed, by outcome.",
	},
	[]string{"outcome"},
)

// PIDThrottleRate exposes the last computed throttle rate per feature.
var PIDThrottleRate = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "pid",
		Name:      "throttle_rate",
		Help:      "Current PID throttle rate (0..1) per feature.",
	},
	[]string{"feature_key"},
)

// ErrorSamplerActiveTotal counts batches in which adaptive error sampling engaged.
var ErrorSamplerActiveTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "errorsampler",
		Name:      "active_total",
		Help:      "Total number of batches where adaptive error sampling became active.",
	},
)

// AlertsEmittedTotal counts alerts emitted by priority.
var AlertsEmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "alerter",
		Name:      "emitted_total",
		Help:      "Total alerts emitted, by priority.",
	},
	[]string{"priority"},
)

// AlertsDeduplicatedTotal counts alerts suppressed as duplicates of an open alert.
var AlertsDeduplicatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "alerter",
		Name:      "deduplicated_total",
		Help:      "Total number of deduplicated error alerts.",
	},
)

// RollupDuration records rollup pass latency by granularity.
var RollupDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "governor",
		Subsystem: "rollup",
		Name:      "duration_seconds",
		Help:      "Rollup pass duration in seconds, by granularity.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"granularity"},
)

// AnomaliesDetectedTotal counts anomaly records written, by metric name.
var AnomaliesDetectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "anomaly",
		Name:      "detected_total",
		Help:      "Total anomalies detected, by metric name.",
	},
	[]string{"metric_name"},
)

// CollectorRunsTotal counts scheduler collection runs by outcome.
var CollectorRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "collector",
		Name:      "runs_total",
		Help:      "Total collection runs, by outcome.",
	},
	[]string{"outcome"},
)

// All returns every governor-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		BudgetTripsTotal,
		BudgetAutoResetsTotal,
		ConsumerBatchDuration,
		ConsumerMessagesTotal,
		PIDThrottleRate,
		ErrorSamplerActiveTotal,
		AlertsEmittedTotal,
		AlertsDeduplicatedTotal,
		RollupDuration,
		AnomaliesDetectedTotal,
		CollectorRunsTotal,
	}
}
