package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config controls request timeouts.
type Config struct {
	// DefaultTimeout applies to subjects without a timeout.
	// Default: 15 minutes
	DefaultTimeout time.Duration

	// MaxTimeout caps any requested timeout.
	// Default: 24 hours
	MaxTimeout time.Duration

	// NotifyTimeout bounds one notification delivery.
	// Default: 30 seconds
	NotifyTimeout time.Duration
}

// DefaultConfig returns the default workflow configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 15 * time.Minute,
		MaxTimeout:     24 * time.Hour,
		NotifyTimeout:  30 * time.Second,
	}
}

// TransitionHook observes state changes. from is "" for new requests.
type TransitionHook func(from, to State, r *Request)

// Option configures a Workflow.
type Option func(*Workflow)

// WithStore sets the persistence layer. The default is a MemoryStore.
func WithStore(s Store) Option {
	return func(w *Workflow) { w.store = s }
}

// WithNotifier sets the notifier. The default is a LogNotifier.
func WithNotifier(n Notifier) Option {
	return func(w *Workflow) { w.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithTransitionHook registers a hook called on every state change.
func WithTransitionHook(h TransitionHook) Option {
	return func(w *Workflow) { w.hooks = append(w.hooks, h) }
}

// pending tracks a live request.
type pending struct {
	req   *Request
	done  chan struct{}
	timer *time.Timer
}

// Workflow manages approval requests. It is safe for concurrent use.
type Workflow struct {
	cfg      Config
	store    Store
	notifier Notifier
	now      func() time.Time
	hooks    []TransitionHook
	logger   *slog.Logger

	mu      sync.Mutex
	live    map[string]*pending // by request ID
	byKey   map[string]string   // dedupe key -> request ID
	closed  bool
	closing chan struct{}
	notifyW sync.WaitGroup
}

// NewWorkflow creates a workflow.
func NewWorkflow(cfg Config, opts ...Option) *Workflow {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}

	w := &Workflow{
		cfg:     cfg,
		now:     time.Now,
		live:    make(map[string]*pending),
		byKey:   make(map[string]string),
		closing: make(chan struct{}),
		logger:  slog.Default().With("component", "approval"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.store == nil {
		w.store = NewMemoryStore()
	}
	if w.notifier == nil {
		w.notifier = NewLogNotifier()
	}
	return w
}

// Recover reloads pending requests from the store. Requests whose deadline
// has passed are marked expired; the rest get fresh deadline timers.
func (w *Workflow) Recover(ctx context.Context) (int, error) {
	reqs, err := w.store.List(ctx, Filter{State: StatePending})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	now := w.now()
	resumed := 0
	for _, r := range reqs {
		if _, ok := w.live[r.ID]; ok {
			continue
		}
		p := &pending{req: r, done: make(chan struct{})}
		w.live[r.ID] = p
		w.byKey[r.dedupeKey()] = r.ID
		if !now.Before(r.Deadline) {
			w.finishLocked(p, StateExpired, "", "", now)
			continue
		}
		w.armLocked(p, r.Deadline.Sub(now))
		resumed++
	}
	if len(reqs) > 0 {
		w.logger.Info("recovered pending approvals", "resumed", resumed, "expired", len(reqs)-resumed)
	}
	return resumed, nil
}

// Submit opens an approval request for s, or returns the pending request
// for the same principal, secret and group. created reports whether a new
// request was opened.
func (w *Workflow) Submit(ctx context.Context, s Subject) (*Request, bool, error) {
	if s.Principal == "" || s.Secret == "" || s.Group == "" {
		return nil, false, fmt.Errorf("%w: principal, secret and group are required", ErrInvalidSubject)
	}
	if len(s.Approvers) == 0 {
		return nil, false, fmt.Errorf("%w: no approvers", ErrInvalidSubject)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	if timeout > w.cfg.MaxTimeout {
		timeout = w.cfg.MaxTimeout
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, false, ErrClosed
	}

	now := w.now()
	key := dedupeKey(s.Namespace, s.Principal, s.Secret, s.Group)
	if id, ok := w.byKey[key]; ok {
		if p := w.live[id]; p != nil {
			if now.Before(p.req.Deadline) {
				return p.req.Clone(), false, nil
			}
			w.finishLocked(p, StateExpired, "", "", now)
		}
	}

	r := &Request{
		ID:        uuid.New().String(),
		Principal: s.Principal,
		Namespace: s.Namespace,
		Secret:    s.Secret,
		Key:       s.Key,
		GroupID:   s.Group,
		Approvers: append([]string(nil), s.Approvers...),
		Reason:    s.Reason,
		State:     StatePending,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}
	if err := w.store.Save(ctx, r); err != nil {
		return nil, false, fmt.Errorf("failed to persist approval request: %w", err)
	}

	p := &pending{req: r, done: make(chan struct{})}
	w.live[r.ID] = p
	w.byKey[key] = r.ID
	w.armLocked(p, timeout)

	w.logger.Info("approval requested",
		"approval_id", r.ID,
		"principal", s.Namespace+"/"+s.Principal,
		"secret", s.Secret,
		"group", s.Group,
		"deadline", r.Deadline,
	)
	w.transitionLocked("", r)
	return r.Clone(), true, nil
}

// Await blocks until the request reaches a terminal state or ctx is done.
func (w *Workflow) Await(ctx context.Context, id string) (State, error) {
	w.mu.Lock()
	p, ok := w.live[id]
	w.mu.Unlock()

	if !ok {
		r, err := w.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if r.State.Terminal() {
			return r.State, nil
		}
		// Pending in the store but not tracked here: another replica owns
		// the timer, so poll the store.
		return w.pollStore(ctx, id)
	}

	select {
	case <-p.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return p.req.State, nil
	case <-w.closing:
		return StatePending, ErrClosed
	case <-ctx.Done():
		return StatePending, ctx.Err()
	}
}

func (w *Workflow) pollStore(ctx context.Context, id string) (State, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return StatePending, ctx.Err()
		case <-w.closing:
			return StatePending, ErrClosed
		case <-ticker.C:
		}
		r, err := w.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if r.State.Terminal() {
			return r.State, nil
		}
		if !w.now().Before(r.Deadline) {
			return StateExpired, nil
		}
	}
}

// Approve approves a pending request on behalf of approver.
func (w *Workflow) Approve(ctx context.Context, id, approver, comment string) (*Request, error) {
	return w.decide(ctx, id, approver, comment, StateApproved)
}

// Deny denies a pending request on behalf of approver.
func (w *Workflow) Deny(ctx context.Context, id, approver, comment string) (*Request, error) {
	return w.decide(ctx, id, approver, comment, StateDenied)
}

func (w *Workflow) decide(ctx context.Context, id, approver, comment string, to State) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}

	p, ok := w.live[id]
	if !ok {
		r, err := w.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, terminalError(r.State)
	}

	now := w.now()
	if !now.Before(p.req.Deadline) {
		w.finishLocked(p, StateExpired, "", "", now)
		return nil, ErrExpired
	}
	if !p.req.IsApprover(approver) {
		return nil, ErrNotApprover
	}

	decided := p.req.Clone()
	decided.State = to
	decided.DecidedBy = approver
	decided.DecidedAt = now
	decided.Comment = comment
	if err := w.store.Save(ctx, decided); err != nil {
		return nil, fmt.Errorf("failed to persist decision: %w", err)
	}

	w.completeLocked(p, decided)
	w.logger.Info("approval decided",
		"approval_id", id,
		"state", to,
		"decided_by", approver,
	)
	return decided.Clone(), nil
}

func terminalError(s State) error {
	switch s {
	case StateExpired:
		return ErrExpired
	case StatePending:
		return ErrNotFound
	default:
		return ErrAlreadyDecided
	}
}

// Get returns the request with id.
func (w *Workflow) Get(ctx context.Context, id string) (*Request, error) {
	w.mu.Lock()
	if p, ok := w.live[id]; ok {
		if !w.now().Before(p.req.Deadline) {
			w.finishLocked(p, StateExpired, "", "", w.now())
		}
		r := p.req.Clone()
		w.mu.Unlock()
		return r, nil
	}
	w.mu.Unlock()
	return w.store.Get(ctx, id)
}

// List returns requests matching f, oldest first.
func (w *Workflow) List(ctx context.Context, f Filter) ([]*Request, error) {
	w.expireDue()
	return w.store.List(ctx, f)
}

// Pending returns the number of live pending requests.
func (w *Workflow) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.live)
}

// Close stops deadline timers and waits for in-flight notifications.
// Pending requests stay pending in the store and are resumed by Recover.
func (w *Workflow) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closing)
	for _, p := range w.live {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	w.mu.Unlock()

	w.notifyW.Wait()
	return w.store.Close()
}

func (w *Workflow) expireDue() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	for _, p := range w.live {
		if !now.Before(p.req.Deadline) {
			w.finishLocked(p, StateExpired, "", "", now)
		}
	}
}

// armLocked schedules expiry after d.
func (w *Workflow) armLocked(p *pending, d time.Duration) {
	id := p.req.ID
	p.timer = time.AfterFunc(d, func() { w.expire(id) })
}

func (w *Workflow) expire(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if p, ok := w.live[id]; ok {
		w.finishLocked(p, StateExpired, "", "", w.now())
	}
}

// finishLocked moves a live request into a terminal state and persists it.
func (w *Workflow) finishLocked(p *pending, to State, by, comment string, at time.Time) {
	done := p.req.Clone()
	done.State = to
	done.DecidedBy = by
	done.DecidedAt = at
	done.Comment = comment
	if err := w.store.Save(context.Background(), done); err != nil {
		w.logger.Error("failed to persist approval state",
			"approval_id", done.ID,
			"state", to,
			"error", err,
		)
	}
	if to == StateExpired {
		w.logger.Info("approval expired", "approval_id", done.ID, "deadline", done.Deadline)
	}
	w.completeLocked(p, done)
}

// completeLocked publishes the terminal request and releases waiters.
func (w *Workflow) completeLocked(p *pending, done *Request) {
	from := p.req.State
	if p.timer != nil {
		p.timer.Stop()
	}
	p.req = done
	delete(w.live, done.ID)
	if w.byKey[done.dedupeKey()] == done.ID {
		delete(w.byKey, done.dedupeKey())
	}
	close(p.done)
	w.transitionLocked(from, done)
}

func (w *Workflow) transitionLocked(from State, r *Request) {
	for _, h := range w.hooks {
		h(from, r.State, r)
	}
	if w.closed {
		return
	}
	note := Notification{Event: eventFor(r.State), Request: r.Clone(), At: w.now()}
	w.notifyW.Add(1)
	go func() {
		defer w.notifyW.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.NotifyTimeout)
		defer cancel()
		if err := w.notifier.Notify(ctx, note); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("approval notification failed",
				"approval_id", note.Request.ID,
				"event", note.Event,
				"error", err,
			)
		}
	}()
}
