package source

import (
	"context"
	"fmt"

	"mercator-hq/secretsrouter/pkg/policy"
)

// Sink receives snapshots produced by a Source. *store.Store implements it.
type Sink interface {
	Swap(snap *policy.Snapshot) error
	ReportFailure(err error)
}

// Source produces policy snapshots from an external declarative resource.
// Sources only read; they never write back.
type Source interface {
	// Load reads the current state and returns a snapshot.
	Load(ctx context.Context) (*policy.Snapshot, error)

	// Watch blocks until ctx is done, publishing a new snapshot to sink
	// whenever the underlying resource changes.
	Watch(ctx context.Context, sink Sink) error
}

// LoadError describes a failure to read or decode a policy document.
type LoadError struct {
	Path  string
	Cause error
}

// Error returns the error message.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load policies from %q: %v", e.Path, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Publish loads from src and hands the result to sink. Load failures are
// reported to the sink and returned.
func Publish(ctx context.Context, src Source, sink Sink) error {
	snap, err := src.Load(ctx)
	if err != nil {
		sink.ReportFailure(err)
		return err
	}
	return sink.Swap(snap)
}
