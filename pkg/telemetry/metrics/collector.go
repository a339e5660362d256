package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/secretsrouter/pkg/config"
	"mercator-hq/secretsrouter/pkg/identity"
)

// Collector owns every Prometheus metric exported by the secrets router.
// All Record methods are no-ops when metrics are disabled.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry
	enabled  bool

	requestMetrics  *RequestMetrics
	policyMetrics   *PolicyMetrics
	backendMetrics  *BackendMetrics
	approvalMetrics *ApprovalMetrics
	auditMetrics    *AuditMetrics
	cacheMetrics    *CacheMetrics

	// Policy IDs come from operators, not callers, but a misbehaving
	// repository can still produce thousands of them.
	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector registered on registry. A nil registry
// gets a fresh private one.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = append([]float64(nil), config.DefaultLatencyBuckets...)
	}

	c := &Collector{
		config:             cfg,
		registry:           registry,
		enabled:            config.BoolValue(cfg.Enabled, config.DefaultMetricsEnabled),
		cardinalityLimiter: NewCardinalityLimiter(1000),
	}

	c.requestMetrics = NewRequestMetrics(cfg, registry)
	c.policyMetrics = NewPolicyMetrics(cfg, registry)
	c.backendMetrics = NewBackendMetrics(cfg, registry)
	c.approvalMetrics = NewApprovalMetrics(cfg, registry)
	c.auditMetrics = NewAuditMetrics(cfg, registry)
	c.cacheMetrics = NewCacheMetrics(cfg, registry)

	return c
}

// Enabled reports whether metrics are recorded.
func (c *Collector) Enabled() bool {
	return c != nil && c.enabled
}

// RecordRequest records a completed HTTP request.
func (c *Collector) RecordRequest(route string, status int, duration time.Duration) {
	if !c.Enabled() {
		return
	}
	c.requestMetrics.RecordRequest(route, status, duration)
}

// RequestStarted increments the in-flight gauge and returns the matching
// decrement.
func (c *Collector) RequestStarted() func() {
	if !c.Enabled() {
		return func() {}
	}
	return c.requestMetrics.Started()
}

// RecordDecision records one access decision.
//
// Parameters:
//   - result: "allow", "deny" or "pending_approval"
//   - kind: decision kind, e.g. "policy_deny" or "rate_limited"
//   - policy: deciding policy ID, "" for none
//   - duration: evaluation time
//   - risk: anomaly score 0..100
func (c *Collector) RecordDecision(result, kind, policy string, duration time.Duration, risk int) {
	if !c.Enabled() {
		return
	}
	if policy == "" {
		policy = "none"
	} else if !c.cardinalityLimiter.Allow(policy) {
		policy = "other"
	}
	c.policyMetrics.RecordDecision(result, kind, policy, duration, risk)
}

// RecordRateLimited records a request rejected by a limit. scope is
// "policy", "group" or "principal".
func (c *Collector) RecordRateLimited(scope string) {
	if !c.Enabled() {
		return
	}
	c.policyMetrics.RecordRateLimited(scope)
}

// RecordPolicyReload records a snapshot load attempt.
func (c *Collector) RecordPolicyReload(ok bool, policies int) {
	if !c.Enabled() {
		return
	}
	c.policyMetrics.RecordReload(ok, policies)
}

// RecordBackendRequest records one backend attempt. Its signature matches
// backend.Observer so it can be registered on the router directly.
func (c *Collector) RecordBackendRequest(backend, outcome string, latency time.Duration) {
	if !c.Enabled() {
		return
	}
	c.backendMetrics.RecordRequest(backend, outcome, latency)
}

// UpdateBackendHealth sets the readiness gauge of a backend.
func (c *Collector) UpdateBackendHealth(backend string, healthy bool) {
	if !c.Enabled() {
		return
	}
	c.backendMetrics.UpdateHealth(backend, healthy)
}

// RecordApprovalTransition records an approval state change. from is "" for
// new requests.
func (c *Collector) RecordApprovalTransition(from, to string) {
	if !c.Enabled() {
		return
	}
	c.approvalMetrics.RecordTransition(from, to)
}

// RecordAuditWrite records a storage write of one audit record.
func (c *Collector) RecordAuditWrite(ok bool, latency time.Duration) {
	if !c.Enabled() {
		return
	}
	c.auditMetrics.RecordWrite(ok, latency)
}

// RecordAuditDrop records a record that missed the async buffer.
func (c *Collector) RecordAuditDrop() {
	if !c.Enabled() {
		return
	}
	c.auditMetrics.RecordDrop()
}

// RecordAuditPruned records records removed by retention.
func (c *Collector) RecordAuditPruned(n int64) {
	if !c.Enabled() {
		return
	}
	c.auditMetrics.RecordPruned(n)
}

// WatchIdentityCache exports the counters of the identity verification
// cache. It may be called once.
func (c *Collector) WatchIdentityCache(cache *identity.Cache) {
	if !c.Enabled() || cache == nil {
		return
	}
	c.cacheMetrics.Watch("identity", cache.Stats)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter caps the number of distinct values admitted for a
// label.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter admitting up to maxCardinality
// values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value is already admitted or can still be.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[value]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the number of admitted values.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
