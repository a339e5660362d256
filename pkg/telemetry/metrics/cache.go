package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/secretsrouter/pkg/config"
	"mercator-hq/secretsrouter/pkg/identity"
)

// CacheMetrics exports cache counters read at scrape time.
//
// Metrics:
//   - secrets_router_cache_hits_total
//   - secrets_router_cache_misses_total
//   - secrets_router_cache_evictions_total
//   - secrets_router_cache_entries
//
// Each carries a "cache" label.
type CacheMetrics struct {
	cfg      *config.MetricsConfig
	registry *prometheus.Registry
}

// NewCacheMetrics creates cache metrics. Nothing is registered until Watch.
func NewCacheMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *CacheMetrics {
	return &CacheMetrics{cfg: cfg, registry: registry}
}

// Watch registers scrape-time collectors for the named cache.
func (cm *CacheMetrics) Watch(name string, stats func() identity.CacheStats) {
	labels := prometheus.Labels{"cache": name}
	opts := func(metric, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   cm.cfg.Namespace,
			Subsystem:   cm.cfg.Subsystem,
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}
	}

	cm.registry.MustRegister(
		prometheus.NewCounterFunc(opts("cache_hits_total", "Total number of cache hits"),
			func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(opts("cache_misses_total", "Total number of cache misses"),
			func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(opts("cache_evictions_total", "Total number of cache evictions"),
			func() float64 { return float64(stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   cm.cfg.Namespace,
			Subsystem:   cm.cfg.Subsystem,
			Name:        "cache_entries",
			Help:        "Current number of entries in cache",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Size) }),
	)
}
