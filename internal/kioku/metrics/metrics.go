// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reply sources.
const (
	SourceMemory    = "memory"
	SourceGenerator = "generator"
	SourceFailed    = "failed"
)

var (
	Replies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioku_replies_total",
			Help: "Processed inputs by reply source (memory, generator, failed)",
		},
		[]string{"source"},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kioku_generation_latency_seconds",
			Help:    "Latency of generator calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioku_store_errors_total",
			Help: "Memory store failures by operation",
		},
		[]string{"op"},
	)

	Consolidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioku_consolidations_total",
			Help: "Consolidation attempts by result (ok, failed)",
		},
		[]string{"result"},
	)

	ConsolidatedFragments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioku_consolidated_fragments_total",
			Help: "Fragments flushed to long-term storage by consolidation",
		},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioku_retry_attempts_total",
			Help: "Retried operations by name",
		},
		[]string{"op"},
	)

	ActiveInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kioku_active_instances",
			Help: "Number of live conversation instances",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kioku_active_connections",
			Help: "Number of registered client connections",
		},
	)

	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioku_messages_total",
			Help: "Messages by ingress transport and direction (in, out)",
		},
		[]string{"transport", "direction"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioku_rate_limited_total",
			Help: "Messages rejected by the per-session rate limiter",
		},
		[]string{"transport"},
	)

	PolicyErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioku_policy_errors_total",
			Help: "Consolidation policy evaluations that failed at run time",
		},
	)
)
