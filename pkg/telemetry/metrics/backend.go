package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/secretsrouter/pkg/config"
)

// BackendMetrics tracks secret backend calls.
//
// Metrics:
//   - secrets_router_backend_requests_total: attempts by backend and outcome
//   - secrets_router_backend_latency_seconds: attempt latency by backend
//   - secrets_router_backend_healthy: 1 when the last readiness check passed
type BackendMetrics struct {
	requestsTotal *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	healthy       *prometheus.GaugeVec
}

// NewBackendMetrics creates and registers backend metrics.
func NewBackendMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *BackendMetrics {
	bm := &BackendMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_requests_total",
				Help:      "Total number of secret backend attempts",
			},
			[]string{"backend", "outcome"},
		),

		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_latency_seconds",
				Help:      "Latency of secret backend attempts in seconds",
				Buckets:   cfg.LatencyBuckets,
			},
			[]string{"backend"},
		),

		healthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_healthy",
				Help:      "Backend readiness (1 = ready, 0 = not ready)",
			},
			[]string{"backend"},
		),
	}

	registry.MustRegister(
		bm.requestsTotal,
		bm.latency,
		bm.healthy,
	)

	return bm
}

// RecordRequest records one attempt.
func (bm *BackendMetrics) RecordRequest(backend, outcome string, latency time.Duration) {
	bm.requestsTotal.WithLabelValues(backend, outcome).Inc()
	bm.latency.WithLabelValues(backend).Observe(latency.Seconds())
}

// UpdateHealth sets the readiness gauge.
func (bm *BackendMetrics) UpdateHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	bm.healthy.WithLabelValues(backend).Set(v)
}
