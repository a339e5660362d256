package audit

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Logger.Record after Close.
var ErrClosed = errors.New("audit logger closed")

// StorageError reports a failed storage operation.
type StorageError struct {
	Backend   string // "sqlite", "postgres", "memory"
	Operation string // "store", "query", "delete", ...
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}
