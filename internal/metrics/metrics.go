package metrics

import (
	"errors"
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/apisdk"
	"github.com/aussiebroadwan/techmatch/pkg/retryx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records client activity as Prometheus metrics. Wire it into the
// SDK through Hooks.
type Collector struct {
	// RefreshCycles counts settled refresh cycles by outcome
	RefreshCycles *prometheus.CounterVec

	// RefreshWaiters tracks how many requests queued behind each cycle
	RefreshWaiters prometheus.Histogram

	// RefreshLatency tracks how long the refresh request took
	RefreshLatency prometheus.Histogram

	// SessionsExpired counts sessions cleared after a failed refresh
	SessionsExpired prometheus.Counter

	// FetchRetries counts backoff waits taken by recommendation fetches
	FetchRetries prometheus.Counter

	// Fetches counts settled recommendation fetches by outcome
	Fetches *prometheus.CounterVec

	// CacheLookups counts cache lookups by result (hit, shared, miss)
	CacheLookups *prometheus.CounterVec

	// ModelAvailable reflects the last health probe: 1 available, 0 not
	ModelAvailable *prometheus.GaugeVec

	// CacheEntries tracks the cache size after each housekeeping pass
	CacheEntries prometheus.Gauge
}

// New registers the collector's metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)

	return &Collector{
		RefreshCycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "techmatch_refresh_cycles_total",
				Help: "Total number of token refresh cycles",
			},
			[]string{"outcome"},
		),
		RefreshWaiters: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "techmatch_refresh_waiters",
				Help:    "Requests queued behind a single refresh cycle",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		),
		RefreshLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "techmatch_refresh_latency_seconds",
				Help:    "Token refresh latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SessionsExpired: f.NewCounter(
			prometheus.CounterOpts{
				Name: "techmatch_sessions_expired_total",
				Help: "Total number of sessions cleared after a failed refresh",
			},
		),
		FetchRetries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "techmatch_recommendation_retries_total",
				Help: "Total number of recommendation fetch retries",
			},
		),
		Fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "techmatch_recommendation_fetches_total",
				Help: "Total number of recommendation fetches",
			},
			[]string{"outcome"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "techmatch_cache_lookups_total",
				Help: "Total number of recommendation cache lookups",
			},
			[]string{"result"},
		),
		ModelAvailable: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "techmatch_recommendation_service_up",
				Help: "Last observed availability of the recommendation service",
			},
			[]string{"check"},
		),
		CacheEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "techmatch_cache_entries",
				Help: "Recommendation cache entries after the last purge",
			},
		),
	}
}

// Hooks returns SDK hooks feeding this collector.
func (c *Collector) Hooks() apisdk.Hooks {
	return apisdk.Hooks{
		OnRefresh: func(ok bool, waiters int, elapsed time.Duration) {
			c.RefreshCycles.WithLabelValues(outcome(ok)).Inc()
			c.RefreshWaiters.Observe(float64(waiters))
			c.RefreshLatency.Observe(elapsed.Seconds())
		},
		OnSessionExpired: func(error) {
			c.SessionsExpired.Inc()
		},
		OnRetry: func(retryx.Attempt, error) {
			c.FetchRetries.Inc()
		},
		OnFetch: func(_ int, err error) {
			c.Fetches.WithLabelValues(fetchOutcome(err)).Inc()
		},
		OnCacheLookup: func(r apisdk.CacheResult) {
			c.CacheLookups.WithLabelValues(string(r)).Inc()
		},
		OnHealth: func(s apisdk.HealthStatus) {
			c.ModelAvailable.WithLabelValues("service").Set(boolGauge(s.Available))
			c.ModelAvailable.WithLabelValues("model").Set(boolGauge(s.ModelReady))
		},
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func fetchOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apisdk.ErrServiceUnavailable):
		return "unavailable"
	case errors.Is(err, apisdk.ErrRefreshFailed):
		return "session_expired"
	default:
		return "error"
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
