// Package obs exposes the cache and rate-limiter health counters to
// Prometheus.
package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics carries the Prometheus collectors for the caching core.
type Metrics struct {
	CacheHitsTotal              prometheus.Counter
	CacheMissesTotal            prometheus.Counter
	StaleReadsTotal             prometheus.Counter
	ConsistencyErrorsTotal      prometheus.Counter
	ConsistencyScore            prometheus.Gauge
	BackgroundRefreshTotal      prometheus.Counter
	RateLimitDecisionsTotal     *prometheus.CounterVec // result=allowed|denied|error
	CacheOpLatencySeconds       *prometheus.HistogramVec
	PatternInvalidationsDeleted prometheus.Counter
}

// NewMetrics builds and registers the collectors on reg. Passing a fresh
// registry keeps tests isolated from the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),
		StaleReadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_stale_reads_total",
			Help: "Total reads served from entries close to expiry",
		}),
		ConsistencyErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_consistency_errors_total",
			Help: "Total detected cache consistency errors",
		}),
		ConsistencyScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_consistency_score",
			Help: "Derived cache health score, 0-100",
		}),
		BackgroundRefreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_background_refresh_total",
			Help: "Total background refreshes triggered by the staleness sweep",
		}),
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_decisions_total",
				Help: "Total rate limit decisions by result",
			},
			[]string{"result"},
		),
		CacheOpLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_op_latency_seconds",
				Help:    "Latency of cache operations",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		PatternInvalidationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_pattern_invalidations_deleted_total",
			Help: "Total keys removed by pattern invalidation",
		}),
	}

	reg.MustRegister(
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.StaleReadsTotal,
		m.ConsistencyErrorsTotal,
		m.ConsistencyScore,
		m.BackgroundRefreshTotal,
		m.RateLimitDecisionsTotal,
		m.CacheOpLatencySeconds,
		m.PatternInvalidationsDeleted,
	)

	m.ConsistencyScore.Set(100)
	return m
}
