package approval

import "errors"

var (
	// ErrNotFound is returned for unknown request IDs.
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyDecided is returned when deciding a request that was already
	// approved or denied.
	ErrAlreadyDecided = errors.New("approval request already decided")

	// ErrExpired is returned when deciding a request past its deadline.
	ErrExpired = errors.New("approval request expired")

	// ErrNotApprover is returned when the decider is not a listed approver.
	ErrNotApprover = errors.New("not an approver for this request")

	// ErrClosed is returned after the workflow is closed.
	ErrClosed = errors.New("approval workflow closed")

	// ErrInvalidSubject is returned by Submit for incomplete subjects.
	ErrInvalidSubject = errors.New("invalid approval subject")
)
