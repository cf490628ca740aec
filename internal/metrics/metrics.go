// Package metrics defines the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_admissions_total",
			Help: "Call admissions by verdict",
		},
		[]string{"verdict"}, // "critical", "warning", "ok", "no_rule", "error"
	)

	AdmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_admission_duration_seconds",
			Help:    "Time spent in a call admission check",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		},
	)

	// Rule reloads
	Reloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rule_reloads_total",
			Help: "Rule reload attempts by result",
		},
		[]string{"result"}, // "success", "failed", "throttled"
	)

	RuleEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_rule_epoch",
			Help: "Current rule snapshot epoch",
		},
	)

	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_rules_loaded",
			Help: "Enabled rules in the active snapshot",
		},
	)

	// Statistics store
	StatsRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_stats_records",
			Help: "Identities tracked by the statistics store",
		},
	)

	// Duration monitors
	DurationMonitors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_duration_monitors_total",
			Help: "Duration monitors by outcome",
		},
		[]string{"outcome"}, // "evaluated", "stale", "discarded"
	)

	// Fraud events
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_events_published_total",
			Help: "Fraud events published by kind and metric",
		},
		[]string{"kind", "metric"},
	)

	EventsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_events_suppressed_total",
			Help: "Fraud events dropped by the suppression window",
		},
	)

	EventPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_event_publish_errors_total",
			Help: "Fraud events that failed to publish",
		},
	)

	// Sessions
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_sessions_open",
			Help: "Sessions waiting for their end notification",
		},
	)
)

var (
	// Rule store circuit breaker
	RuleStoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_rule_store_breaker_state",
			Help: "Rule store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	RuleStoreRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rule_store_requests_total",
			Help: "Rule store fetches through the circuit breaker by result",
		},
		[]string{"result"}, // "success", "failure", "rejected"
	)
)

var (
	// HTTP API, labelled by route pattern so path parameters do not
	// create new series.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// BusDropped counts messages the in-process bus dropped on a full subscriber buffer.
var BusDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kestrel_bus_dropped_total",
		Help: "Messages dropped by the in-process bus because a subscriber was full",
	},
	[]string{"topic"},
)
