package approval

import (
	"context"
	"sort"
	"sync"
)

// Store persists approval requests. Save is an upsert keyed by ID.
type Store interface {
	Save(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)

	// List returns matching requests ordered by creation time, oldest first.
	List(ctx context.Context, f Filter) ([]*Request, error)
	Close() error
}

// MemoryStore keeps requests in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Save(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	s.mu.RLock()
	out := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
