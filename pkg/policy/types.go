package policy

import (
	"fmt"
	"sort"
	"time"
)

// Effect is the outcome a Rule contributes when it matches a request.
type Effect string

const (
	// EffectAllow grants access when the rule matches and its policy's gating conditions hold.
	EffectAllow Effect = "allow"

	// EffectDeny refuses access. Deny rules are evaluated before any allow rule.
	EffectDeny Effect = "deny"
)

// AnyBackend matches every backend in a Rule or request.
const AnyBackend = "*"

// Wildcard matches any secret name, key, principal or namespace.
const Wildcard = "*"

// Policy is a named, prioritized set of rules matched against caller identity.
type Policy struct {
	// ID uniquely identifies the policy within a snapshot.
	ID string `yaml:"id" json:"id"`

	// Description is free-form documentation.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Selector decides which identities this policy applies to.
	Selector Selector `yaml:"selector" json:"selector"`

	// Rules are evaluated in declaration order within the policy.
	Rules []Rule `yaml:"rules" json:"rules"`

	// Priority orders policies. Higher values are consulted first.
	Priority int `yaml:"priority" json:"priority"`

	// Conditions gate the policy's allow rules.
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Rule is a single allow or deny statement.
type Rule struct {
	Effect        Effect   `yaml:"effect" json:"effect"`
	Backend       string   `yaml:"backend" json:"backend"`
	SecretPattern string   `yaml:"secret" json:"secret"`
	Keys          []string `yaml:"keys,omitempty" json:"keys,omitempty"`
}

// Selector is a label match over a ServiceIdentity. All non-empty clauses
// must match; an empty selector matches every identity.
type Selector struct {
	Principals  []string          `yaml:"principals,omitempty" json:"principals,omitempty"`
	Namespaces  []string          `yaml:"namespaces,omitempty" json:"namespaces,omitempty"`
	MatchLabels map[string]string `yaml:"matchLabels,omitempty" json:"matchLabels,omitempty"`
}

// ConditionType names one variant of Condition.
type ConditionType string

const (
	ConditionRateLimit      ConditionType = "rate_limit"
	ConditionTimeWindow     ConditionType = "time_window"
	ConditionAnomaly        ConditionType = "anomaly"
	ConditionRego           ConditionType = "rego"
	ConditionNamespaceMatch ConditionType = "namespace_match"
)

// Condition is a closed tagged variant. Type selects which body is populated.
type Condition struct {
	Type ConditionType `yaml:"type" json:"type"`

	RateLimit  *RateLimitCondition  `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	TimeWindow *TimeWindowCondition `yaml:"timeWindow,omitempty" json:"timeWindow,omitempty"`
	Anomaly    *AnomalyCondition    `yaml:"anomaly,omitempty" json:"anomaly,omitempty"`
	Rego       *RegoCondition       `yaml:"rego,omitempty" json:"rego,omitempty"`
}

// RateLimitScope selects the counter a rate_limit condition consumes.
type RateLimitScope string

const (
	ScopePrincipal RateLimitScope = "principal"
	ScopeSecret    RateLimitScope = "secret"
)

// RateLimitCondition caps requests per sliding window.
type RateLimitCondition struct {
	Count  int            `yaml:"count" json:"count"`
	Period time.Duration  `yaml:"period" json:"period"`
	Scope  RateLimitScope `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// TimeWindowCondition restricts access to a daily wall-clock window.
// Start and End use "HH:MM". A window whose End precedes Start wraps midnight.
type TimeWindowCondition struct {
	Start    string   `yaml:"start" json:"start"`
	End      string   `yaml:"end" json:"end"`
	Days     []string `yaml:"days,omitempty" json:"days,omitempty"`
	Timezone string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// AnomalyAction is what happens when a request's risk score exceeds MaxScore.
type AnomalyAction string

const (
	AnomalyDeny            AnomalyAction = "deny"
	AnomalyRequireApproval AnomalyAction = "require_approval"
	AnomalyAudit           AnomalyAction = "audit"
)

// AnomalyCondition escalates requests whose risk score exceeds MaxScore.
type AnomalyCondition struct {
	MaxScore  int           `yaml:"maxScore" json:"maxScore"`
	Action    AnomalyAction `yaml:"action" json:"action"`
	Approvers []string      `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RegoCondition evaluates an OPA query that must produce true.
type RegoCondition struct {
	Module string `yaml:"module" json:"module"`
	Query  string `yaml:"query" json:"query"`
}

// SecretRef names a secret (and optionally a key set) in a backend.
type SecretRef struct {
	Backend string   `yaml:"backend" json:"backend"`
	Name    string   `yaml:"name" json:"name"`
	Keys    []string `yaml:"keys,omitempty" json:"keys,omitempty"`
}

// Quota bounds how often a group member may read the group's secrets.
type Quota struct {
	Count  int           `yaml:"count" json:"count"`
	Period time.Duration `yaml:"period" json:"period"`
}

// SecretAccessGroup is a shared-secret grouping with its own membership,
// approval and quota rules, layered on top of base policies.
type SecretAccessGroup struct {
	ID               string        `yaml:"id" json:"id"`
	Description      string        `yaml:"description,omitempty" json:"description,omitempty"`
	Members          []Selector    `yaml:"members" json:"members"`
	Secrets          []SecretRef   `yaml:"secrets" json:"secrets"`
	ApprovalRequired bool          `yaml:"approvalRequired" json:"approvalRequired"`
	Approvers        []string      `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Quota            *Quota        `yaml:"quota,omitempty" json:"quota,omitempty"`
}

// Snapshot is an immutable set of policies and groups. Once published to a
// store it must not be modified.
type Snapshot struct {
	// Version identifies the snapshot, e.g. a content hash or commit SHA.
	Version string

	// LoadedAt is when the snapshot was assembled.
	LoadedAt time.Time

	// Source describes where the snapshot came from.
	Source string

	Policies []*Policy
	Groups   []*SecretAccessGroup
}

// NewSnapshot builds a snapshot with policies sorted by priority and groups
// sorted by ID. The inputs are copied.
func NewSnapshot(version, source string, policies []*Policy, groups []*SecretAccessGroup) *Snapshot {
	ps := make([]*Policy, len(policies))
	copy(ps, policies)
	SortByPriority(ps)

	gs := make([]*SecretAccessGroup, len(groups))
	copy(gs, groups)
	sort.SliceStable(gs, func(i, j int) bool { return gs[i].ID < gs[j].ID })

	return &Snapshot{
		Version:  version,
		LoadedAt: time.Now(),
		Source:   source,
		Policies: ps,
		Groups:   gs,
	}
}

// SortByPriority orders policies by descending priority, then ascending ID.
func SortByPriority(policies []*Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}

// Summary returns a short description used in logs and CLI output.
func (s *Snapshot) Summary() string {
	if s == nil {
		return "no snapshot"
	}
	return fmt.Sprintf("version=%s policies=%d groups=%d", s.Version, len(s.Policies), len(s.Groups))
}
