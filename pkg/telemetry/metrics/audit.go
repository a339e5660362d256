package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/secretsrouter/pkg/config"
)

// AuditMetrics tracks audit persistence.
//
// Metrics:
//   - secrets_router_audit_writes_total: storage writes by result
//   - secrets_router_audit_write_duration_seconds: storage write latency
//   - secrets_router_audit_dropped_total: records that missed the async buffer
//   - secrets_router_audit_pruned_total: records removed by retention
type AuditMetrics struct {
	writesTotal   *prometheus.CounterVec
	writeDuration prometheus.Histogram
	droppedTotal  prometheus.Counter
	prunedTotal   prometheus.Counter
}

// NewAuditMetrics creates and registers audit metrics.
func NewAuditMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AuditMetrics {
	am := &AuditMetrics{
		writesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_writes_total",
				Help:      "Total number of audit record writes",
			},
			[]string{"result"},
		),

		writeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_write_duration_seconds",
				Help:      "Duration of audit record writes in seconds",
				Buckets:   cfg.LatencyBuckets,
			},
		),

		droppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_dropped_total",
				Help:      "Total number of audit records that bypassed the async buffer",
			},
		),

		prunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_pruned_total",
				Help:      "Total number of audit records removed by retention",
			},
		),
	}

	registry.MustRegister(
		am.writesTotal,
		am.writeDuration,
		am.droppedTotal,
		am.prunedTotal,
	)

	return am
}

// RecordWrite records one storage write.
func (am *AuditMetrics) RecordWrite(ok bool, latency time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	am.writesTotal.WithLabelValues(result).Inc()
	am.writeDuration.Observe(latency.Seconds())
}

// RecordDrop records a record that missed the async buffer.
func (am *AuditMetrics) RecordDrop() {
	am.droppedTotal.Inc()
}

// RecordPruned adds n pruned records.
func (am *AuditMetrics) RecordPruned(n int64) {
	if n > 0 {
		am.prunedTotal.Add(float64(n))
	}
}
