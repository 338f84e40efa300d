// Package metrics defines the internal Prometheus instrumentation for
// the price feed core (§7 Observability), grounded on the teacher's
// MetricsRegistry (internal/interfaces/http/metrics.go). Exposition
// over HTTP is out of scope (§2 Non-goals); this registry exists so
// every component records instrumentation the way the teacher's
// components do, leaving wiring an exporter to the embedding
// application.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric the price feed core emits.
type Registry struct {
	BreakerTrips      *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	ValidatorRejects  *prometheus.CounterVec
	ValidatorSeverity *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	CacheHitRatio     prometheus.Gauge
	CacheEvictions    prometheus.Counter
	AggregationLatency prometheus.Histogram
	AggregationsEmitted prometheus.Counter
	AggregationsInsufficient *prometheus.CounterVec
	AlertsPublished   *prometheus.CounterVec
	ConnectedSources  prometheus.Gauge
}

// NewRegistry constructs every metric, unregistered. Callers that want
// HTTP exposition register these against their own prometheus.Registerer.
func NewRegistry() *Registry {
	return &Registry{
		BreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricefeed_breaker_trips_total",
				Help: "Total number of circuit breaker trips (closed -> open transitions) by source.",
			},
			[]string{"source"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricefeed_breaker_state",
				Help: "Current circuit breaker state per source: 0=closed, 1=half-open, 2=open.",
			},
			[]string{"source"},
		),
		ValidatorRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricefeed_validator_rejects_total",
				Help: "Total updates rejected by the validator (critical severity), by tier.",
			},
			[]string{"tier"},
		),
		ValidatorSeverity: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricefeed_validator_errors_total",
				Help: "Total validation errors recorded, by tier and severity.",
			},
			[]string{"tier", "severity"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_cache_hits_total",
			Help: "Total freshness cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_cache_misses_total",
			Help: "Total freshness cache misses (absent or stale entry).",
		}),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricefeed_cache_hit_ratio",
			Help: "Rolling freshness cache hit ratio.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_cache_evictions_total",
			Help: "Total cache entries evicted under capacity pressure.",
		}),
		AggregationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricefeed_aggregation_latency_seconds",
			Help:    "Time from update acceptance to AggregatedPrice emission.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		AggregationsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_aggregations_emitted_total",
			Help: "Total AggregatedPrice values emitted.",
		}),
		AggregationsInsufficient: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricefeed_aggregations_insufficient_sources_total",
				Help: "Total aggregation attempts short of minSources, by feed.",
			},
			[]string{"feed"},
		),
		AlertsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricefeed_alerts_published_total",
				Help: "Total alerts published on the health bus, by rule id and severity.",
			},
			[]string{"rule", "severity"},
		),
		ConnectedSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricefeed_connected_sources",
			Help: "Current count of sources in the Connected state.",
		}),
	}
}

// Collectors returns every metric as a prometheus.Collector, for bulk
// registration against a Registerer.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.BreakerTrips,
		r.BreakerState,
		r.ValidatorRejects,
		r.ValidatorSeverity,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.CacheEvictions,
		r.AggregationLatency,
		r.AggregationsEmitted,
		r.AggregationsInsufficient,
		r.AlertsPublished,
		r.ConnectedSources,
	}
}
