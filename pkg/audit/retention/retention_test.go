package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mercator-hq/secretsrouter/pkg/audit"
	"mercator-hq/secretsrouter/pkg/audit/storage"
)

var now = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T, ages ...time.Duration) *storage.MemoryStorage {
	t.Helper()
	s := storage.NewMemoryStorage()
	for i, age := range ages {
		r := &audit.Record{ID: fmt.Sprintf("r%d", i), Timestamp: now.Add(-age), Decision: "allow"}
		if err := s.Store(context.Background(), r); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}
	return s
}

func newPruner(s audit.Storage, cfg *Config) *Pruner {
	p := NewPruner(s, cfg)
	p.now = func() time.Time { return now }
	return p
}

// ============================================================================
// Pruner
// ============================================================================

func TestPruner_ByAge(t *testing.T) {
	day := 24 * time.Hour
	s := seeded(t, time.Hour, 5*day, 31*day, 90*day)
	p := newPruner(s, &Config{RetentionDays: 30})

	deleted, err := p.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 2 || s.Len() != 2 {
		t.Errorf("deleted %d, remaining %d; want 2, 2", deleted, s.Len())
	}
}

func TestPruner_ByCount(t *testing.T) {
	s := seeded(t, time.Minute, 2*time.Minute, 3*time.Minute, 4*time.Minute, 5*time.Minute)
	p := newPruner(s, &Config{MaxRecords: 3})

	deleted, err := p.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	rest, _ := s.Query(context.Background(), &audit.Query{SortOrder: "asc"})
	if len(rest) != 3 || rest[0].ID != "r2" {
		t.Errorf("remaining = %v", ids(rest))
	}
}

func TestPruner_WithinLimits(t *testing.T) {
	s := seeded(t, time.Minute, time.Hour)
	p := newPruner(s, &Config{RetentionDays: 7, MaxRecords: 10})

	deleted, err := p.Prune(context.Background())
	if err != nil || deleted != 0 {
		t.Errorf("Prune() = %d, %v; want 0, nil", deleted, err)
	}
}

func TestPruner_OnPruned(t *testing.T) {
	s := seeded(t, time.Minute, 40*24*time.Hour, 50*24*time.Hour)
	p := newPruner(s, &Config{RetentionDays: 30})

	var calls []int64
	p.OnPruned(func(n int64) { calls = append(calls, n) })

	if _, err := p.Prune(context.Background()); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if _, err := p.Prune(context.Background()); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(calls) != 1 || calls[0] != 2 {
		t.Errorf("OnPruned calls = %v, want [2] (empty runs are not reported)", calls)
	}
}

func TestPruner_Disabled(t *testing.T) {
	s := seeded(t, 1000*24*time.Hour)
	p := newPruner(s, &Config{})
	if deleted, _ := p.Prune(context.Background()); deleted != 0 {
		t.Errorf("disabled pruner deleted %d", deleted)
	}
}

// ============================================================================
// Scheduler
// ============================================================================

func TestScheduler_InvalidSchedule(t *testing.T) {
	sched := NewScheduler(NewPruner(storage.NewMemoryStorage(), &Config{PruneSchedule: "every day"}))
	if err := sched.Start(context.Background()); err == nil {
		t.Fatal("Start() with invalid cron succeeded")
	}
	if sched.IsRunning() {
		t.Error("scheduler running after invalid schedule")
	}
}

func TestScheduler_EmptyScheduleIsNoop(t *testing.T) {
	sched := NewScheduler(NewPruner(storage.NewMemoryStorage(), &Config{}))
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sched.IsRunning() || sched.NextRun() != nil {
		t.Error("empty schedule started the scheduler")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	sched := NewScheduler(NewPruner(storage.NewMemoryStorage(), &Config{PruneSchedule: "0 3 * * *"}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sched.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	next := sched.NextRun()
	if next == nil || next.Hour() != 3 || next.Minute() != 0 {
		t.Errorf("NextRun() = %v, want 03:00", next)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for sched.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sched.IsRunning() {
		t.Error("scheduler still running after context cancel")
	}
}

func ids(rs []*audit.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
