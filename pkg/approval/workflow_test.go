package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for lazy-expiry tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingNotifier captures notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	events []EventType
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, note.Event)
	return nil
}

func (n *recordingNotifier) Events() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]EventType(nil), n.events...)
}

func rdsSubject() Subject {
	return Subject{
		Principal: "migrator",
		Namespace: "db",
		Secret:    "rds-credentials",
		Key:       "password",
		Group:     "rds",
		Approvers: []string{"dba-lead", "sre-oncall"},
		Timeout:   time.Hour,
	}
}

func newTestWorkflow(t *testing.T, opts ...Option) *Workflow {
	t.Helper()
	w := NewWorkflow(DefaultConfig(), opts...)
	t.Cleanup(func() { w.Close() })
	return w
}

// ============================================================================
// Submit
// ============================================================================

func TestSubmit_Deduplicates(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	first, created, err := w.Submit(ctx, rdsSubject())
	if err != nil || !created {
		t.Fatalf("Submit() = %v, created=%v", err, created)
	}
	if first.State != StatePending || first.ID == "" {
		t.Errorf("Submit() request = %+v", first)
	}

	again, created, err := w.Submit(ctx, rdsSubject())
	if err != nil {
		t.Fatalf("Submit() again error = %v", err)
	}
	if created || again.ID != first.ID {
		t.Errorf("Submit() again = %s created=%v, want %s reused", again.ID, created, first.ID)
	}

	other := rdsSubject()
	other.Group = "anomaly:db-policy"
	third, created, err := w.Submit(ctx, other)
	if err != nil || !created || third.ID == first.ID {
		t.Errorf("Submit() other group = %v created=%v", err, created)
	}
	if w.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", w.Pending())
	}
}

func TestSubmit_Invalid(t *testing.T) {
	w := newTestWorkflow(t)
	tests := map[string]func(*Subject){
		"no principal": func(s *Subject) { s.Principal = "" },
		"no secret":    func(s *Subject) { s.Secret = "" },
		"no group":     func(s *Subject) { s.Group = "" },
		"no approvers": func(s *Subject) { s.Approvers = nil },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			s := rdsSubject()
			mutate(&s)
			if _, _, err := w.Submit(context.Background(), s); !errors.Is(err, ErrInvalidSubject) {
				t.Errorf("Submit() error = %v, want ErrInvalidSubject", err)
			}
		})
	}
}

func TestSubmit_TimeoutDefaults(t *testing.T) {
	clock := newFakeClock()
	w := NewWorkflow(Config{DefaultTimeout: 5 * time.Minute, MaxTimeout: time.Hour}, WithClock(clock.Now))
	defer w.Close()

	s := rdsSubject()
	s.Timeout = 0
	r, _, _ := w.Submit(context.Background(), s)
	if got := r.Deadline.Sub(r.CreatedAt); got != 5*time.Minute {
		t.Errorf("default timeout = %v, want 5m", got)
	}

	s.Group = "other"
	s.Timeout = 48 * time.Hour
	r, _, _ = w.Submit(context.Background(), s)
	if got := r.Deadline.Sub(r.CreatedAt); got != time.Hour {
		t.Errorf("capped timeout = %v, want 1h", got)
	}
}

// ============================================================================
// Decisions
// ============================================================================

func TestApprove(t *testing.T) {
	notes := &recordingNotifier{}
	w := NewWorkflow(DefaultConfig(), WithNotifier(notes))
	ctx := context.Background()

	r, _, _ := w.Submit(ctx, rdsSubject())

	if _, err := w.Approve(ctx, r.ID, "migrator", ""); !errors.Is(err, ErrNotApprover) {
		t.Errorf("Approve() by requester error = %v, want ErrNotApprover", err)
	}

	result := make(chan State, 1)
	go func() {
		s, _ := w.Await(ctx, r.ID)
		result <- s
	}()

	decided, err := w.Approve(ctx, r.ID, "dba-lead", "change ticket 42")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if decided.State != StateApproved || decided.DecidedBy != "dba-lead" || decided.Comment != "change ticket 42" {
		t.Errorf("Approve() = %+v", decided)
	}

	select {
	case s := <-result:
		if s != StateApproved {
			t.Errorf("Await() = %s, want approved", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await() did not return after approval")
	}

	if _, err := w.Approve(ctx, r.ID, "sre-oncall", ""); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("second Approve() error = %v, want ErrAlreadyDecided", err)
	}
	if _, err := w.Deny(ctx, r.ID, "sre-oncall", ""); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("Deny() after approve error = %v, want ErrAlreadyDecided", err)
	}
	if s, err := w.Await(ctx, r.ID); err != nil || s != StateApproved {
		t.Errorf("Await() after decision = %s, %v", s, err)
	}

	w.Close()
	events := notes.Events()
	if len(events) != 2 {
		t.Fatalf("notifications = %v, want submitted and approved", events)
	}
	seen := map[EventType]bool{}
	for _, e := range events {
		seen[e] = true
	}
	if !seen[EventSubmitted] || !seen[EventApproved] {
		t.Errorf("notifications = %v", events)
	}
}

func TestDeny(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()
	r, _, _ := w.Submit(ctx, rdsSubject())

	if _, err := w.Deny(ctx, r.ID, "sre-oncall", "no ticket"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	if s, err := w.Await(ctx, r.ID); err != nil || s != StateDenied {
		t.Errorf("Await() = %s, %v; want denied", s, err)
	}

	// A decided request no longer blocks a fresh submission.
	again, created, _ := w.Submit(ctx, rdsSubject())
	if !created || again.ID == r.ID {
		t.Errorf("Submit() after deny reused %s", again.ID)
	}
}

func TestDecide_Unknown(t *testing.T) {
	w := newTestWorkflow(t)
	if _, err := w.Approve(context.Background(), "missing", "dba-lead", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Approve() error = %v, want ErrNotFound", err)
	}
	if _, err := w.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

// ============================================================================
// Expiry
// ============================================================================

func TestAwait_ExpiresWithinSlack(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	const timeout = 150 * time.Millisecond
	const slack = 500 * time.Millisecond

	s := rdsSubject()
	s.Timeout = timeout
	start := time.Now()
	r, _, _ := w.Submit(ctx, s)

	state, err := w.Await(ctx, r.ID)
	elapsed := time.Since(start)
	if err != nil || state != StateExpired {
		t.Fatalf("Await() = %s, %v; want expired", state, err)
	}
	if elapsed < timeout {
		t.Errorf("expired after %v, before timeout %v", elapsed, timeout)
	}
	if elapsed > timeout+slack {
		t.Errorf("expired after %v, later than %v", elapsed, timeout+slack)
	}

	if _, err := w.Approve(ctx, r.ID, "dba-lead", ""); !errors.Is(err, ErrExpired) {
		t.Errorf("Approve() after expiry error = %v, want ErrExpired", err)
	}
}

func TestGet_LazyExpiry(t *testing.T) {
	clock := newFakeClock()
	w := newTestWorkflow(t, WithClock(clock.Now))
	ctx := context.Background()

	r, _, _ := w.Submit(ctx, rdsSubject())
	clock.Advance(time.Hour)

	got, err := w.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateExpired {
		t.Errorf("Get() state = %s, want expired", got.State)
	}
	if _, err := w.Approve(ctx, r.ID, "dba-lead", ""); !errors.Is(err, ErrExpired) {
		t.Errorf("Approve() error = %v, want ErrExpired", err)
	}
}

func TestDecide_PastDeadline(t *testing.T) {
	clock := newFakeClock()
	w := newTestWorkflow(t, WithClock(clock.Now))
	ctx := context.Background()

	r, _, _ := w.Submit(ctx, rdsSubject())
	clock.Advance(2 * time.Hour)

	if _, err := w.Approve(ctx, r.ID, "dba-lead", ""); !errors.Is(err, ErrExpired) {
		t.Errorf("Approve() error = %v, want ErrExpired", err)
	}
	if s, _ := w.Await(ctx, r.ID); s != StateExpired {
		t.Errorf("Await() = %s, want expired", s)
	}
}

func TestAwait_ContextAndClose(t *testing.T) {
	w := NewWorkflow(DefaultConfig())
	r, _, _ := w.Submit(context.Background(), rdsSubject())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Await(ctx, r.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await() error = %v, want DeadlineExceeded", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := w.Await(context.Background(), r.ID)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	w.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Await() after Close error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await() did not return after Close")
	}
	if _, _, err := w.Submit(context.Background(), rdsSubject()); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
	}
}

// ============================================================================
// Recovery, listing and hooks
// ============================================================================

func TestRecover(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	ctx := context.Background()

	w1 := NewWorkflow(DefaultConfig(), WithStore(store), WithClock(clock.Now))
	short := rdsSubject()
	short.Timeout = time.Minute
	a, _, _ := w1.Submit(ctx, short)
	long := rdsSubject()
	long.Group = "other"
	b, _, _ := w1.Submit(ctx, long)
	w1.Close()

	clock.Advance(10 * time.Minute)
	w2 := newTestWorkflow(t, WithStore(store), WithClock(clock.Now))
	resumed, err := w2.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if resumed != 1 {
		t.Errorf("Recover() = %d, want 1", resumed)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.State != StateExpired {
		t.Errorf("overdue request state = %s, want expired", got.State)
	}
	if _, err := w2.Approve(ctx, b.ID, "dba-lead", ""); err != nil {
		t.Errorf("Approve() recovered request error = %v", err)
	}
}

func TestList(t *testing.T) {
	clock := newFakeClock()
	w := newTestWorkflow(t, WithClock(clock.Now))
	ctx := context.Background()

	a, _, _ := w.Submit(ctx, rdsSubject())
	clock.Advance(time.Second)
	s := rdsSubject()
	s.Group = "other"
	w.Submit(ctx, s)
	w.Deny(ctx, a.ID, "dba-lead", "")

	pending, _ := w.List(ctx, Filter{State: StatePending})
	if len(pending) != 1 || pending[0].GroupID != "other" {
		t.Errorf("List(pending) = %v", pending)
	}
	all, _ := w.List(ctx, Filter{})
	if len(all) != 2 || all[0].ID != a.ID {
		t.Errorf("List() order = %v", all)
	}
	limited, _ := w.List(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("List(limit 1) = %d items", len(limited))
	}
}

func TestTransitionHook(t *testing.T) {
	var mu sync.Mutex
	var got []string
	hook := func(from, to State, r *Request) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(from)+">"+string(to))
	}
	w := newTestWorkflow(t, WithTransitionHook(hook))
	ctx := context.Background()

	r, _, _ := w.Submit(ctx, rdsSubject())
	w.Approve(ctx, r.ID, "dba-lead", "")

	mu.Lock()
	defer mu.Unlock()
	want := []string{">pending", "pending>approved"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestState_Terminal(t *testing.T) {
	for s, want := range map[State]bool{
		StatePending:  false,
		StateApproved: true,
		StateDenied:   true,
		StateExpired:  true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, !want)
		}
	}
	if State("maybe").Valid() {
		t.Error("unknown state valid")
	}
}
