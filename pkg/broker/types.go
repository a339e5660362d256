package broker

import (
	"time"

	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/policy/engine"
)

// AccessRequest is one secret read.
type AccessRequest struct {
	// RequestID correlates the read with logs and its audit record.
	RequestID string

	Credentials identity.Credentials

	SecretName string
	Key        string

	// Namespace defaults to the caller's namespace.
	Namespace string

	// Backend is optional; policy or the fallback order binds it.
	Backend string

	// ApprovalID resumes a read that was previously held for approval.
	ApprovalID string
}

// AccessResult is a granted read.
type AccessResult struct {
	Backend    string `json:"backend"`
	SecretName string `json:"secret_name"`
	SecretKey  string `json:"secret_key"`
	Value      string `json:"value"`

	// Decision is the policy decision that granted the read.
	Decision *engine.Decision `json:"-"`

	ApprovalID string `json:"-"`
	Attempts   int    `json:"-"`
}

// Config controls how pending approvals are answered.
type Config struct {
	// ApprovalMode is "wait" (hold the request until a decision) or
	// "async" (answer 202 immediately).
	// Default: "wait"
	ApprovalMode string

	// ApprovalWait bounds how long a request is held in wait mode. When it
	// elapses before a decision, the request is answered 202 and the
	// caller resumes with the approval ID.
	// Default: 30 seconds
	ApprovalWait time.Duration
}

// Approval modes.
const (
	ApprovalModeWait  = "wait"
	ApprovalModeAsync = "async"
)

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		ApprovalMode: ApprovalModeWait,
		ApprovalWait: 30 * time.Second,
	}
}
