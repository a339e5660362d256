package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentity indicates the credential could not be verified.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrIdentityMismatch indicates request metadata contradicts the verified credential.
	ErrIdentityMismatch = errors.New("identity mismatch")
)

// Error carries the identity failure class, a human-readable reason and the
// underlying cause.
type Error struct {
	Kind   error // ErrInvalidIdentity or ErrIdentityMismatch
	Reason string
	Cause  error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func invalid(reason string, cause error) *Error {
	return &Error{Kind: ErrInvalidIdentity, Reason: reason, Cause: cause}
}

func mismatch(reason string) *Error {
	return &Error{Kind: ErrIdentityMismatch, Reason: reason}
}
