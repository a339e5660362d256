package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/backend"
	"mercator-hq/secretsrouter/pkg/identity"
)

// Kind is the caller-facing failure class of an access request.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindInvalidIdentity    Kind = "InvalidIdentity"
	KindIdentityMismatch   Kind = "IdentityMismatch"
	KindForbidden          Kind = "Forbidden"
	KindRateLimited        Kind = "RateLimited"
	KindApprovalPending    Kind = "ApprovalPending"
	KindApprovalDenied     Kind = "ApprovalDenied"
	KindApprovalTimeout    Kind = "ApprovalTimeout"
	KindApprovalNotFound   Kind = "ApprovalNotFound"
	KindApprovalConflict   Kind = "ApprovalConflict"
	KindSecretNotFound     Kind = "SecretNotFound"
	KindBackendUnavailable Kind = "BackendUnavailable"
	KindBackendError       Kind = "BackendError"
	KindInternal           Kind = "Internal"
)

// Error is returned by every broker operation that does not grant access.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// ApprovalID is set for approval outcomes.
	ApprovalID string

	// RetryAfter is set for rate-limited requests.
	RetryAfter time.Duration

	// UpstreamStatus is the backend's HTTP status for backend failures.
	UpstreamStatus int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindInvalidIdentity, KindIdentityMismatch:
		return http.StatusUnauthorized
	case KindForbidden, KindApprovalDenied, KindApprovalTimeout:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindApprovalPending:
		return http.StatusAccepted
	case KindSecretNotFound, KindApprovalNotFound:
		return http.StatusNotFound
	case KindApprovalConflict:
		return http.StatusConflict
	case KindBackendUnavailable:
		if e.UpstreamStatus == http.StatusBadGateway {
			return http.StatusBadGateway
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatus returns the response status for err. A nil error is 200.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var be *Error
	if errors.As(err, &be) {
		return be.HTTPStatus()
	}
	return asError(err).HTTPStatus()
}

// KindOf classifies err. Component errors are mapped onto the broker
// taxonomy; unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return asError(err).Kind
}

// AsError returns err as a *Error, classifying component errors. A nil
// error returns nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	return asError(err)
}

// asError converts a component error into a broker error.
func asError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}

	switch {
	case errors.Is(err, identity.ErrIdentityMismatch):
		return &Error{Kind: KindIdentityMismatch, Message: "identity mismatch", Cause: err}
	case errors.Is(err, identity.ErrInvalidIdentity):
		return &Error{Kind: KindInvalidIdentity, Message: "invalid identity", Cause: err}
	case errors.Is(err, approval.ErrNotFound):
		return &Error{Kind: KindApprovalNotFound, Message: "approval request not found", Cause: err}
	case errors.Is(err, approval.ErrNotApprover):
		return &Error{Kind: KindForbidden, Message: "not an approver for this request", Cause: err}
	case errors.Is(err, approval.ErrAlreadyDecided), errors.Is(err, approval.ErrExpired):
		return &Error{Kind: KindApprovalConflict, Message: "approval request is no longer pending", Cause: err}
	}

	var bkErr *backend.Error
	if errors.As(err, &bkErr) {
		return backendError(bkErr)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindBackendUnavailable, Message: "request timed out", Cause: err}
	}
	return &Error{Kind: KindInternal, Message: "internal error", Cause: err}
}

func backendError(err *backend.Error) *Error {
	switch err.Kind {
	case backend.KindNotFound:
		return &Error{Kind: KindSecretNotFound, Message: fmt.Sprintf("secret %q not found", err.Secret), Cause: err}
	case backend.KindUnavailable:
		return &Error{
			Kind:           KindBackendUnavailable,
			Message:        fmt.Sprintf("backend %q unavailable", err.Backend),
			Cause:          err,
			UpstreamStatus: err.StatusCode,
		}
	default:
		return &Error{Kind: KindBackendError, Message: fmt.Sprintf("backend %q failed", err.Backend), Cause: err}
	}
}
