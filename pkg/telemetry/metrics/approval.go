package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/secretsrouter/pkg/config"
)

// ApprovalMetrics tracks the approval workflow.
//
// Metrics:
//   - secrets_router_approval_transitions_total: state changes by target state
//   - secrets_router_approvals_pending: requests waiting for a decision
type ApprovalMetrics struct {
	transitionsTotal *prometheus.CounterVec
	pending          prometheus.Gauge
}

// NewApprovalMetrics creates and registers approval metrics.
func NewApprovalMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ApprovalMetrics {
	am := &ApprovalMetrics{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "approval_transitions_total",
				Help:      "Total number of approval state changes",
			},
			[]string{"state"},
		),

		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "approvals_pending",
				Help:      "Number of approval requests waiting for a decision",
			},
		),
	}

	registry.MustRegister(
		am.transitionsTotal,
		am.pending,
	)

	return am
}

// RecordTransition records a state change and keeps the pending gauge in
// step: entering "pending" adds one, leaving it subtracts one.
func (am *ApprovalMetrics) RecordTransition(from, to string) {
	am.transitionsTotal.WithLabelValues(to).Inc()
	if to == "pending" && from != "pending" {
		am.pending.Inc()
	}
	if from == "pending" && to != "pending" {
		am.pending.Dec()
	}
}
