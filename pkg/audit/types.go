package audit

import (
	"context"
	"time"
)

// Outcome summarizes how a request ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeDenied      Outcome = "denied"
	OutcomePending     Outcome = "pending"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeError       Outcome = "error"
)

// Record is the audit trail entry for a single access attempt. It never
// carries the secret value.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`

	// Caller
	Principal         string `json:"principal"`
	IdentityNamespace string `json:"identity_namespace"`
	AuthMethod        string `json:"auth_method"`

	// Target
	SecretName string `json:"secret_name"`
	SecretKey  string `json:"secret_key"`
	Namespace  string `json:"namespace"`

	// Decision
	Decision      string `json:"decision"`
	Reason        string `json:"reason"`
	MatchedPolicy string `json:"matched_policy,omitempty"`
	RiskScore     int    `json:"risk_score"`
	ApprovalID    string `json:"approval_id,omitempty"`

	// Backend dispatch
	Backend string  `json:"backend,omitempty"`
	Outcome Outcome `json:"outcome"`

	// Result
	ErrorKind  string        `json:"error_kind,omitempty"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`

	// Verbose records keep the caller's labels.
	Verbose bool              `json:"verbose"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.Labels != nil {
		c.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// Query filters audit records. Zero-valued fields match everything.
type Query struct {
	StartTime *time.Time
	EndTime   *time.Time

	RequestID  string
	Principal  string
	Namespace  string
	SecretName string
	Decision   string
	Backend    string
	Outcome    Outcome

	// SortOrder is "asc" or "desc" on Timestamp. Default: desc.
	SortOrder string
	Limit     int
	Offset    int
}

// Ascending reports whether results should be returned oldest first.
func (q *Query) Ascending() bool {
	return q != nil && q.SortOrder == "asc"
}

// Matches reports whether r satisfies every filter in q. Pagination and
// ordering are ignored.
func (q *Query) Matches(r *Record) bool {
	if q == nil {
		return true
	}
	if q.StartTime != nil && r.Timestamp.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && r.Timestamp.After(*q.EndTime) {
		return false
	}
	switch {
	case q.RequestID != "" && r.RequestID != q.RequestID,
		q.Principal != "" && r.Principal != q.Principal,
		q.Namespace != "" && r.Namespace != q.Namespace,
		q.SecretName != "" && r.SecretName != q.SecretName,
		q.Decision != "" && r.Decision != q.Decision,
		q.Backend != "" && r.Backend != q.Backend,
		q.Outcome != "" && r.Outcome != q.Outcome:
		return false
	}
	return true
}

// Storage persists audit records.
type Storage interface {
	// Store appends a record.
	Store(ctx context.Context, r *Record) error

	// Query returns records matching q, newest first unless q asks for
	// ascending order.
	Query(ctx context.Context, q *Query) ([]*Record, error)

	// Count returns the number of records matching q.
	Count(ctx context.Context, q *Query) (int64, error)

	// Delete removes records matching q and returns how many were removed.
	Delete(ctx context.Context, q *Query) (int64, error)

	Close() error
}
