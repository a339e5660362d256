package engine

import (
	"time"
)

// Request is the secret a caller wants to read.
type Request struct {
	// Backend is the backend the caller asked for. Empty or "*" leaves the
	// choice to policy and the router's fallback order.
	Backend string `json:"backend,omitempty"`

	// SecretName is the secret to read.
	SecretName string `json:"secret_name"`

	// Key is the key within the secret.
	Key string `json:"secret_key"`

	// Namespace is the namespace the secret lives in. Empty means the
	// caller's own namespace.
	Namespace string `json:"namespace,omitempty"`
}

// Result is the outcome of an evaluation.
type Result string

const (
	ResultAllow           Result = "allow"
	ResultDeny            Result = "deny"
	ResultPendingApproval Result = "pending_approval"
)

// Kind classifies why a decision was reached. Callers map kinds to
// transport status codes and metrics labels.
type Kind string

const (
	KindAllowed          Kind = "allowed"
	KindPolicyDeny       Kind = "policy_deny"
	KindDefaultDeny      Kind = "default_deny"
	KindNoSnapshot       Kind = "no_snapshot"
	KindRateLimited      Kind = "rate_limited"
	KindAnomaly          Kind = "anomaly"
	KindApprovalRequired Kind = "approval_required"
)

// Limit scopes reported on rate-limited decisions.
const (
	LimitScopePrincipal = "principal"
	LimitScopePolicy    = "policy"
	LimitScopeGroup     = "group"
)

// Reasons returned in decisions. They are stable strings that appear in
// audit records and API responses.
const (
	ReasonNoMatchingAllow  = "no matching allow policy"
	ReasonNoSnapshot       = "no policy snapshot loaded"
	ReasonRateLimited      = "rate limit exceeded"
	ReasonApprovalRequired = "approval required"
)

// ApprovalRequirement describes the approval a pending decision waits on.
type ApprovalRequirement struct {
	// Group is the SecretAccessGroup ID, or "anomaly:<policy>" when an
	// anomaly condition escalated the request.
	Group     string        `json:"group"`
	Approvers []string      `json:"approvers"`
	Timeout   time.Duration `json:"timeout"`
}

// Decision is the AccessDecision for one request. It is computed fresh for
// every request and never cached.
type Decision struct {
	Result Result `json:"result"`
	Reason string `json:"reason"`
	Kind   Kind   `json:"kind"`

	// MatchedPolicy is the deciding policy ID, or "" when none applied.
	MatchedPolicy string `json:"matched_policy,omitempty"`

	// Group is the SecretAccessGroup that granted or gated access.
	Group string `json:"group,omitempty"`

	// RiskScore is the anomaly score in 0..100.
	RiskScore int `json:"risk_score"`

	// Verbose asks the audit logger for a detailed record.
	Verbose bool `json:"verbose,omitempty"`

	// Backend is the backend bound by the decision. "*" defers to the
	// router's fallback order.
	Backend string `json:"backend,omitempty"`

	// Approval is set for pending decisions.
	Approval *ApprovalRequirement `json:"approval,omitempty"`

	// RetryAfter is set for rate-limited decisions.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// LimitScope names the exhausted limit of a rate-limited decision:
	// "principal", "policy" or "group".
	LimitScope string `json:"limit_scope,omitempty"`

	// SnapshotVersion is the policy snapshot the decision was computed against.
	SnapshotVersion string `json:"snapshot_version,omitempty"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`

	// Trace lists evaluation steps when tracing is enabled.
	Trace []string `json:"trace,omitempty"`

	deferred []limitCheck
}

// Allowed reports whether the decision grants access.
func (d *Decision) Allowed() bool {
	return d != nil && d.Result == ResultAllow
}

// Pending reports whether the decision waits on approval.
func (d *Decision) Pending() bool {
	return d != nil && d.Result == ResultPendingApproval
}
