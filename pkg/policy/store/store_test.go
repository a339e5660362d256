package store

import (
	"errors"
	"sync"
	"testing"

	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/policy"
)

func allowPolicy(id string, priority int, sel policy.Selector) *policy.Policy {
	return &policy.Policy{
		ID:       id,
		Priority: priority,
		Selector: sel,
		Rules: []policy.Rule{
			{Effect: policy.EffectAllow, Backend: "kubernetes", SecretPattern: "app-*"},
		},
	}
}

func testSnapshot(version string) *policy.Snapshot {
	return policy.NewSnapshot(version, "test",
		[]*policy.Policy{
			allowPolicy("b-low", 1, policy.Selector{}),
			allowPolicy("a-high", 10, policy.Selector{Namespaces: []string{"payments"}}),
			allowPolicy("c-high", 10, policy.Selector{}),
			allowPolicy("other-ns", 50, policy.Selector{Namespaces: []string{"billing"}}),
		},
		[]*policy.SecretAccessGroup{
			{
				ID:      "z-group",
				Members: []policy.Selector{{Principals: []string{"api"}}},
				Secrets: []policy.SecretRef{{Backend: "aws", Name: "rds-*"}},
			},
			{
				ID:      "a-group",
				Members: []policy.Selector{{Namespaces: []string{"payments"}}},
				Secrets: []policy.SecretRef{{Backend: "aws", Name: "rds-credentials", Keys: []string{"password"}}},
			},
		},
	)
}

var paymentsAPI = &identity.ServiceIdentity{Principal: "api", Namespace: "payments"}

// ============================================================================
// Fail closed
// ============================================================================

func TestStore_EmptyBeforeLoad(t *testing.T) {
	s := New()
	if s.Loaded() {
		t.Error("Loaded() = true before any Swap")
	}
	if got := s.Lookup(paymentsAPI); len(got) != 0 {
		t.Errorf("Lookup() = %d policies, want 0", len(got))
	}
	if g := s.LookupGroup(paymentsAPI, "aws", "rds-credentials", "password"); g != nil {
		t.Errorf("LookupGroup() = %s, want nil", g.ID)
	}
	if s.Version() != "" {
		t.Errorf("Version() = %q, want empty", s.Version())
	}
	if !s.LoadedAt().IsZero() {
		t.Error("LoadedAt() should be zero before load")
	}
}

// ============================================================================
// Lookup ordering
// ============================================================================

func TestStore_LookupOrder(t *testing.T) {
	s := New()
	if err := s.Swap(testSnapshot("v1")); err != nil {
		t.Fatalf("Swap() error = %v", err)
	}

	got := s.Lookup(paymentsAPI)
	want := []string{"a-high", "c-high", "b-low"}
	if len(got) != len(want) {
		t.Fatalf("Lookup() returned %d policies, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.ID != want[i] {
			t.Errorf("Lookup()[%d] = %s, want %s", i, p.ID, want[i])
		}
	}
}

func TestStore_LookupGroup(t *testing.T) {
	s := New()
	if err := s.Swap(testSnapshot("v1")); err != nil {
		t.Fatal(err)
	}

	g := s.LookupGroup(paymentsAPI, "aws", "rds-credentials", "password")
	if g == nil || g.ID != "a-group" {
		t.Fatalf("LookupGroup() = %v, want a-group", g)
	}

	// a-group restricts keys; z-group covers every key.
	g = s.LookupGroup(paymentsAPI, "aws", "rds-credentials", "username")
	if g == nil || g.ID != "z-group" {
		t.Fatalf("LookupGroup(username) = %v, want z-group", g)
	}

	outsider := &identity.ServiceIdentity{Principal: "web", Namespace: "frontend"}
	if g := s.LookupGroup(outsider, "aws", "rds-credentials", "password"); g != nil {
		t.Errorf("LookupGroup(outsider) = %s, want nil", g.ID)
	}

	if s.Group("z-group") == nil {
		t.Error("Group(z-group) = nil")
	}
	if s.Group("missing") != nil {
		t.Error("Group(missing) != nil")
	}
}

// ============================================================================
// Swap
// ============================================================================

func TestStore_SwapKeepsLastGoodOnInvalid(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var versions []string
	var failures int
	s.OnReload(func(version string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures++
			return
		}
		versions = append(versions, version)
	})

	if err := s.Swap(testSnapshot("v1")); err != nil {
		t.Fatal(err)
	}

	bad := policy.NewSnapshot("v2", "test", []*policy.Policy{{ID: "broken"}}, nil)
	err := s.Swap(bad)
	if err == nil {
		t.Fatal("Swap(invalid) error = nil")
	}
	if !errors.Is(err, policy.ErrInvalidSnapshot) {
		t.Errorf("errors.Is(err, ErrInvalidSnapshot) = false: %v", err)
	}
	if s.Version() != "v1" {
		t.Errorf("Version() = %q after rejected swap, want v1", s.Version())
	}

	s.ReportFailure(errors.New("parse error"))

	mu.Lock()
	defer mu.Unlock()
	if len(versions) != 1 || versions[0] != "v1" {
		t.Errorf("observed versions = %v, want [v1]", versions)
	}
	if failures != 2 {
		t.Errorf("observed failures = %d, want 2", failures)
	}
}

func TestStore_ConcurrentReadsDuringSwap(t *testing.T) {
	s := New()
	if err := s.Swap(testSnapshot("v0")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if got := s.Lookup(paymentsAPI); len(got) != 3 {
					t.Errorf("Lookup() = %d policies mid-swap, want 3", len(got))
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		if err := s.Swap(testSnapshot("v")); err != nil {
			t.Error(err)
		}
	}
	close(stop)
	wg.Wait()
}
