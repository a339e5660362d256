package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownBackend is returned when a read names a backend the router
	// does not know.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrNoBackends is returned when a fallback read has nothing to walk.
	ErrNoBackends = errors.New("no backends configured")
)

// Kind classifies backend failures.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
)

// Error is a normalized backend failure.
type Error struct {
	Kind    Kind
	Backend string
	Secret  string

	// StatusCode is the upstream HTTP status when the store answered over
	// HTTP, 0 otherwise.
	StatusCode int

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("backend %q: secret %q: %s", e.Backend, e.Secret, e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnavailable
}

// KindOf returns the kind of err. Context deadlines count as unavailable;
// unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	return KindInternal
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func newError(kind Kind, backend, secret string, cause error) *Error {
	return &Error{Kind: kind, Backend: backend, Secret: secret, Cause: cause}
}

// errMissingKey is the cause for secrets that exist without the requested key.
func errMissingKey(key string) error {
	return fmt.Errorf("key %q not present", key)
}

// kindForStatus maps an HTTP status from a store to a kind.
func kindForStatus(code int) Kind {
	switch {
	case code == 404:
		return KindNotFound
	case code == 401 || code == 403:
		return KindPermissionDenied
	case code == 408 || code == 429 || code >= 500:
		return KindUnavailable
	default:
		return KindInternal
	}
}
