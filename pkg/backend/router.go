package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RouterConfig controls dispatch, retries and timeouts.
type RouterConfig struct {
	// Fallback is the order walked for reads bound to "*".
	Fallback []string

	// Timeout bounds one backend call.
	// Default: 10 seconds
	Timeout time.Duration

	// MaxAttempts bounds calls to one backend for one read.
	// Default: 3
	MaxAttempts int

	// InitialInterval is the first retry delay.
	// Default: 100 milliseconds
	InitialInterval time.Duration

	// MaxInterval caps retry delays.
	// Default: 2 seconds
	MaxInterval time.Duration
}

// DefaultRouterConfig returns the default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Timeout:         10 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Result is a successful read.
type Result struct {
	Backend string `json:"backend"`
	Value   string `json:"-"`

	// Attempts counts backend calls across retries and fallbacks.
	Attempts int `json:"attempts"`
}

// Observer receives one call per backend attempt. outcome is "success" or
// an error Kind.
type Observer func(backend, outcome string, latency time.Duration)

// Router dispatches reads to backends.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger

	mu       sync.RWMutex
	backends map[string]Backend

	observers []Observer
}

// NewRouter creates a router over the given backends.
func NewRouter(cfg RouterConfig, backends ...Backend) (*Router, error) {
	def := DefaultRouterConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}

	r := &Router{
		cfg:      cfg,
		logger:   slog.Default().With("component", "backend.router"),
		backends: make(map[string]Backend),
	}
	for _, b := range backends {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Fallback {
		if _, ok := r.backends[name]; !ok {
			return nil, fmt.Errorf("fallback backend %q: %w", name, ErrUnknownBackend)
		}
	}
	return r, nil
}

// Register adds a backend. Names must be unique.
func (r *Router) Register(b Backend) error {
	if b == nil || b.Name() == "" || b.Name() == "*" {
		return fmt.Errorf("backend must have a name other than \"*\"")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Name()]; exists {
		return fmt.Errorf("backend %q already registered", b.Name())
	}
	r.backends[b.Name()] = b
	return nil
}

// Observe registers an observer for backend attempts.
func (r *Router) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Names returns the registered backend names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fallback returns the fallback order.
func (r *Router) Fallback() []string {
	return append([]string(nil), r.cfg.Fallback...)
}

// Get reads key of secret name. backendName selects one backend; "" or "*"
// walks the fallback order.
func (r *Router) Get(ctx context.Context, backendName, name, namespace, key string) (*Result, error) {
	if backendName != "" && backendName != "*" {
		b, err := r.lookup(backendName)
		if err != nil {
			return nil, newError(KindInternal, backendName, name, err)
		}
		value, attempts, err := r.getWithRetry(ctx, b, name, namespace, key)
		if err != nil {
			return nil, err
		}
		return &Result{Backend: b.Name(), Value: value, Attempts: attempts}, nil
	}

	if len(r.cfg.Fallback) == 0 {
		return nil, newError(KindInternal, "*", name, ErrNoBackends)
	}

	var (
		total    int
		notFound []error
	)
	for _, bn := range r.cfg.Fallback {
		b, err := r.lookup(bn)
		if err != nil {
			return nil, newError(KindInternal, bn, name, err)
		}
		value, attempts, err := r.getWithRetry(ctx, b, name, namespace, key)
		total += attempts
		if err == nil {
			return &Result{Backend: b.Name(), Value: value, Attempts: total}, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		r.logger.Debug("secret not found, trying next backend",
			"backend", bn,
			"secret", name,
		)
		notFound = append(notFound, err)
	}
	return nil, newError(KindNotFound, "*", name, errors.Join(notFound...))
}

func (r *Router) lookup(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return b, nil
}

// getWithRetry calls b until it succeeds, fails permanently or runs out of
// attempts. It returns the number of calls made.
func (r *Router) getWithRetry(ctx context.Context, b Backend, name, namespace, key string) (string, int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval

	attempts := 0
	value, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		v, err := r.call(ctx, b, name, namespace, key)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(newError(KindUnavailable, b.Name(), name, ctx.Err()))
		}
		var be *Error
		if errors.As(err, &be) && be.Retryable() {
			return "", err
		}
		return "", backoff.Permanent(err)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("backend call failed, retrying",
				"backend", b.Name(),
				"secret", name,
				"error", err,
				"retry_in", next,
			)
		}),
	)
	if err != nil {
		// Retry returns the bare context error when ctx ends between
		// attempts.
		var be *Error
		if !errors.As(err, &be) {
			err = newError(KindUnavailable, b.Name(), name, err)
		}
		return "", attempts, err
	}
	return value, attempts, nil
}

// call performs one backend call under the per-call timeout and normalizes
// its error.
func (r *Router) call(ctx context.Context, b Backend, name, namespace, key string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	v, err := b.Get(callCtx, name, namespace, key)
	latency := time.Since(start)

	if err != nil {
		var be *Error
		switch {
		case errors.As(err, &be):
		case ctx.Err() != nil:
			err = newError(KindUnavailable, b.Name(), name, err)
		case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
			err = newError(KindUnavailable, b.Name(), name, fmt.Errorf("timed out after %s: %w", r.cfg.Timeout, err))
		default:
			err = newError(KindInternal, b.Name(), name, err)
		}
	}

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, o := range observers {
		o(b.Name(), outcome, latency)
	}
	return v, err
}

// Ready probes every backend and returns their errors by name.
func (r *Router) Ready(ctx context.Context) map[string]error {
	r.mu.RLock()
	backends := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.mu.RUnlock()

	out := make(map[string]error, len(backends))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, b := range backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			err := b.Ready(ctx)
			mu.Lock()
			out[b.Name()] = err
			mu.Unlock()
		}(b)
	}
	wg.Wait()
	return out
}
