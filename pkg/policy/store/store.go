// Package store holds the live policy snapshot and answers lookups against it.
//
// Readers never lock: the current snapshot is published through an
// atomic.Pointer and replaced wholesale on reload. A snapshot is never
// mutated after it has been swapped in.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/policy"
)

// ReloadObserver is notified after every reload attempt.
type ReloadObserver func(version string, err error)

// Store is the policy store. The zero value is not usable; call New.
type Store struct {
	current atomic.Pointer[policy.Snapshot]

	// writeMu serializes writers only; readers never take it.
	writeMu   sync.Mutex
	observers []ReloadObserver
	logger    *slog.Logger
}

// New returns an empty store. Until the first successful Swap every lookup
// returns nothing, which drives evaluation to default deny.
func New() *Store {
	return &Store{
		logger: slog.Default().With("component", "policy.store"),
	}
}

// OnReload registers an observer. Not safe to call concurrently with Swap.
func (s *Store) OnReload(fn ReloadObserver) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Swap validates snap and publishes it. On validation failure the current
// snapshot stays in place and the error is returned.
func (s *Store) Swap(snap *policy.Snapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := snap.Validate(); err != nil {
		s.logger.Error("rejected policy snapshot, keeping last good",
			"error", err,
			"current", s.current.Load().Summary(),
		)
		s.notify("", err)
		return fmt.Errorf("policy snapshot rejected: %w", err)
	}

	old := s.current.Swap(snap)
	s.logger.Info("policy snapshot published",
		"version", snap.Version,
		"source", snap.Source,
		"policies", len(snap.Policies),
		"groups", len(snap.Groups),
		"previous", old.Summary(),
	)
	s.notify(snap.Version, nil)
	return nil
}

// ReportFailure records a reload attempt that failed before producing a
// snapshot, e.g. a parse error.
func (s *Store) ReportFailure(err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logger.Error("policy reload failed, keeping last good", "error", err)
	s.notify("", err)
}

func (s *Store) notify(version string, err error) {
	for _, fn := range s.observers {
		fn(version, err)
	}
}

// Snapshot returns the current snapshot, or nil before the first load.
func (s *Store) Snapshot() *policy.Snapshot {
	return s.current.Load()
}

// Loaded reports whether a snapshot has ever been published.
func (s *Store) Loaded() bool {
	return s.current.Load() != nil
}

// Version returns the current snapshot version, or "" before the first load.
func (s *Store) Version() string {
	if snap := s.current.Load(); snap != nil {
		return snap.Version
	}
	return ""
}

// LoadedAt returns when the current snapshot was assembled.
func (s *Store) LoadedAt() time.Time {
	if snap := s.current.Load(); snap != nil {
		return snap.LoadedAt
	}
	return time.Time{}
}

// Lookup returns the policies whose selector matches id, ordered by
// descending priority then ascending policy ID.
func (s *Store) Lookup(id *identity.ServiceIdentity) []*policy.Policy {
	return LookupIn(s.current.Load(), id)
}

// LookupGroup returns the first group (by ID) that has id as a member and
// covers the requested secret, or nil.
func (s *Store) LookupGroup(id *identity.ServiceIdentity, backend, secret, key string) *policy.SecretAccessGroup {
	groups := GroupsIn(s.current.Load(), id, backend, secret, key)
	if len(groups) == 0 {
		return nil
	}
	return groups[0]
}

// Group returns a group by ID from the current snapshot.
func (s *Store) Group(groupID string) *policy.SecretAccessGroup {
	snap := s.current.Load()
	if snap == nil {
		return nil
	}
	for _, g := range snap.Groups {
		if g.ID == groupID {
			return g
		}
	}
	return nil
}

// LookupIn performs Lookup against an explicit snapshot. A nil snapshot
// yields no policies.
func LookupIn(snap *policy.Snapshot, id *identity.ServiceIdentity) []*policy.Policy {
	if snap == nil || id == nil {
		return nil
	}
	var matched []*policy.Policy
	for _, p := range snap.Policies {
		if p.Selector.Matches(id) {
			matched = append(matched, p)
		}
	}
	return matched
}

// GroupsIn returns every group in snap that has id as a member and covers
// the request, ordered by group ID.
func GroupsIn(snap *policy.Snapshot, id *identity.ServiceIdentity, backend, secret, key string) []*policy.SecretAccessGroup {
	if snap == nil || id == nil {
		return nil
	}
	var out []*policy.SecretAccessGroup
	for _, g := range snap.Groups {
		if !g.HasMember(id) {
			continue
		}
		if _, ok := g.Covering(backend, secret, key); ok {
			out = append(out, g)
		}
	}
	return out
}
