package backend

import (
	"context"
	"sync"
)

// StaticBackend serves secrets from memory. Secrets are looked up as
// "namespace/name" first, then as "name".
type StaticBackend struct {
	name string

	mu      sync.RWMutex
	secrets map[string]map[string]string
}

// NewStaticBackend creates a StaticBackend over secrets, keyed by secret
// name (optionally "namespace/name") then key.
func NewStaticBackend(name string, secrets map[string]map[string]string) *StaticBackend {
	if name == "" {
		name = "static"
	}
	s := &StaticBackend{name: name, secrets: make(map[string]map[string]string, len(secrets))}
	for k, v := range secrets {
		s.Put(k, v)
	}
	return s
}

// Put stores or replaces a secret.
func (s *StaticBackend) Put(name string, values map[string]string) {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	s.mu.Lock()
	s.secrets[name] = cp
	s.mu.Unlock()
}

func (s *StaticBackend) Name() string { return s.name }

func (s *StaticBackend) Get(ctx context.Context, name, namespace, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError(KindUnavailable, s.name, name, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	values, ok := s.secrets[namespace+"/"+name]
	if !ok {
		values, ok = s.secrets[name]
	}
	if !ok {
		return "", newError(KindNotFound, s.name, name, nil)
	}
	v, ok := values[key]
	if !ok {
		return "", newError(KindNotFound, s.name, name, errMissingKey(key))
	}
	return v, nil
}

func (s *StaticBackend) Ready(ctx context.Context) error { return nil }

var _ Backend = (*StaticBackend)(nil)
