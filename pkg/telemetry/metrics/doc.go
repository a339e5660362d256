// Package metrics provides Prometheus metrics for the secrets router.
//
// # Metrics Categories
//
//   - Request metrics: HTTP requests by route and status, latency, in-flight
//   - Policy metrics: decisions by result and kind, evaluation latency, risk
//     scores, rate-limit rejections, snapshot reloads
//   - Backend metrics: attempts by backend and outcome, latency, readiness
//   - Approval metrics: state transitions and pending requests
//   - Audit metrics: storage writes, buffer drops, pruned records
//   - Cache metrics: identity verification cache counters
//
// Secret names and principals are never used as label values.
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	router.Observe(collector.RecordBackendRequest)
//	auditLogger := audit.NewLogger(store, auditCfg, audit.WithMetrics(collector))
//	mux.Handle("/metrics", collector.Handler())
package metrics
