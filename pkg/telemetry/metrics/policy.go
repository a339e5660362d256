package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/secretsrouter/pkg/config"
)

// PolicyMetrics tracks access decisions and the policy snapshot.
//
// Metrics:
//   - secrets_router_decisions_total: decisions by result, kind and policy
//   - secrets_router_decision_duration_seconds: evaluation latency
//   - secrets_router_risk_score: anomaly score distribution
//   - secrets_router_rate_limited_total: limit rejections by scope
//   - secrets_router_policy_reloads_total: snapshot loads by result
//   - secrets_router_policies_loaded: policies in the active snapshot
type PolicyMetrics struct {
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	riskScore        prometheus.Histogram
	rateLimitedTotal *prometheus.CounterVec
	reloadsTotal     *prometheus.CounterVec
	policiesLoaded   prometheus.Gauge
}

// NewPolicyMetrics creates and registers policy metrics.
func NewPolicyMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *PolicyMetrics {
	pm := &PolicyMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "decisions_total",
				Help:      "Total number of access decisions",
			},
			[]string{"result", "kind", "policy"},
		),

		decisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "decision_duration_seconds",
				Help:      "Duration of policy evaluation in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~160ms
			},
			[]string{"result"},
		),

		riskScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "risk_score",
				Help:      "Anomaly risk score of evaluated requests",
				Buckets:   prometheus.LinearBuckets(10, 10, 10),
			},
		),

		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rate_limited_total",
				Help:      "Total number of requests rejected by a rate limit",
			},
			[]string{"scope"},
		),

		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_reloads_total",
				Help:      "Total number of policy snapshot loads",
			},
			[]string{"result"},
		),

		policiesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policies_loaded",
				Help:      "Number of policies in the active snapshot",
			},
		),
	}

	registry.MustRegister(
		pm.decisionsTotal,
		pm.decisionDuration,
		pm.riskScore,
		pm.rateLimitedTotal,
		pm.reloadsTotal,
		pm.policiesLoaded,
	)

	return pm
}

// RecordDecision records one decision.
func (pm *PolicyMetrics) RecordDecision(result, kind, policy string, duration time.Duration, risk int) {
	pm.decisionsTotal.WithLabelValues(result, kind, policy).Inc()
	pm.decisionDuration.WithLabelValues(result).Observe(duration.Seconds())
	pm.riskScore.Observe(float64(risk))
}

// RecordRateLimited records a limit rejection.
func (pm *PolicyMetrics) RecordRateLimited(scope string) {
	pm.rateLimitedTotal.WithLabelValues(scope).Inc()
}

// RecordReload records a snapshot load. A failed load keeps the previous
// snapshot, so the gauge only moves on success.
func (pm *PolicyMetrics) RecordReload(ok bool, policies int) {
	if !ok {
		pm.reloadsTotal.WithLabelValues("failure").Inc()
		return
	}
	pm.reloadsTotal.WithLabelValues("success").Inc()
	pm.policiesLoaded.Set(float64(policies))
}
