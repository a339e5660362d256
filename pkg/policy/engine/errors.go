package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates invalid evaluator configuration.
	ErrInvalidConfig = errors.New("invalid evaluator configuration")

	// ErrNilIdentity indicates Evaluate was called without a verified identity.
	ErrNilIdentity = errors.New("identity is required")
)

// EvaluationError is returned when a decision could not be computed, e.g.
// the shared rate limiter is unreachable.
type EvaluationError struct {
	PolicyID string
	Stage    string
	Cause    error
}

// Error returns the error message.
func (e *EvaluationError) Error() string {
	if e.PolicyID != "" {
		return fmt.Sprintf("policy %s: %s: %v", e.PolicyID, e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// ConditionError indicates a gating condition could not be evaluated. The
// condition is treated as not satisfied.
type ConditionError struct {
	PolicyID string
	Type     string
	Cause    error
}

// Error returns the error message.
func (e *ConditionError) Error() string {
	return fmt.Sprintf("policy %s: %s condition: %v", e.PolicyID, e.Type, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ConditionError) Unwrap() error {
	return e.Cause
}
