package approval

import (
	"slices"
	"time"
)

// State is the lifecycle state of a request.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateDenied || s == StateExpired
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StatePending || s.Terminal()
}

// Subject describes the read awaiting approval.
type Subject struct {
	Principal string
	Namespace string
	Secret    string
	Key       string

	// Group is the SecretAccessGroup ID or "anomaly:<policy>".
	Group     string
	Approvers []string

	// Timeout is how long approvers have to decide. Zero uses the
	// workflow default.
	Timeout time.Duration

	// Reason is shown to approvers.
	Reason string
}

// Request is one approval request.
type Request struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal"`
	Namespace string    `json:"namespace"`
	Secret    string    `json:"secret"`
	Key       string    `json:"key"`
	GroupID   string    `json:"group_id"`
	Approvers []string  `json:"approvers"`
	Reason    string    `json:"reason,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`

	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
	Comment   string    `json:"comment,omitempty"`
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Approvers = slices.Clone(r.Approvers)
	return &c
}

// IsApprover reports whether name may decide the request.
func (r *Request) IsApprover(name string) bool {
	return name != "" && slices.Contains(r.Approvers, name)
}

// dedupeKey identifies pending requests that are merged.
func (r *Request) dedupeKey() string {
	return dedupeKey(r.Namespace, r.Principal, r.Secret, r.GroupID)
}

func dedupeKey(namespace, principal, secret, group string) string {
	return namespace + "/" + principal + "\x00" + secret + "\x00" + group
}

// Filter selects requests in List. Zero fields match everything.
type Filter struct {
	State     State
	Principal string
	Group     string
	Limit     int
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r *Request) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.Principal != "" && r.Principal != f.Principal {
		return false
	}
	if f.Group != "" && r.GroupID != f.Group {
		return false
	}
	return true
}
