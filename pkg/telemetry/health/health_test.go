package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

// ============================================================================
// Checker
// ============================================================================

func TestChecker_ReadinessAllHealthy(t *testing.T) {
	c := New("secrets-router", "v1", time.Second)
	c.RegisterCheck("policy", func(ctx context.Context) error { return nil })
	c.RegisterCheck("backend:kubernetes", func(ctx context.Context) error { return nil })

	status := c.CheckReadiness(context.Background())
	if !status.Ready() {
		t.Fatalf("status = %q, want ready", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Errorf("checks = %d, want 2", len(status.Checks))
	}
}

func TestChecker_ReadinessNoChecks(t *testing.T) {
	c := New("secrets-router", "v1", 0)
	if status := c.CheckReadiness(context.Background()); !status.Ready() {
		t.Errorf("status = %q, want ready with no checks", status.Status)
	}
}

func TestChecker_ReadinessFailure(t *testing.T) {
	c := New("secrets-router", "v1", time.Second)
	c.RegisterCheck("policy", func(ctx context.Context) error { return nil })
	c.RegisterCheck("backend:aws", func(ctx context.Context) error { return errors.New("dapr sidecar not reachable") })

	status := c.CheckReadiness(context.Background())
	if status.Ready() {
		t.Fatal("status ready with a failing check")
	}
	got := status.Checks["backend:aws"]
	if got.Status != StatusUnhealthy || got.Message != "dapr sidecar not reachable" {
		t.Errorf("failing check = %+v", got)
	}
	if status.Checks["policy"].Status != StatusOK {
		t.Errorf("healthy check = %+v", status.Checks["policy"])
	}
}

func TestChecker_Timeout(t *testing.T) {
	c := New("secrets-router", "v1", 20*time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	c.RegisterCheck("slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	start := time.Now()
	status := c.CheckReadiness(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readiness took %v, want bounded by check timeout", elapsed)
	}
	if status.Checks["slow"].Message != ErrCheckTimeout.Error() {
		t.Errorf("slow check = %+v, want timeout", status.Checks["slow"])
	}
}

func TestChecker_ChecksRunConcurrently(t *testing.T) {
	c := New("secrets-router", "v1", time.Second)
	for _, name := range []string{"a", "b", "c", "d"} {
		c.RegisterCheck(name, func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}

	start := time.Now()
	c.CheckReadiness(context.Background())
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("readiness took %v, checks appear serialized", elapsed)
	}
}

func TestChecker_RegisterReplacesAndLists(t *testing.T) {
	c := New("secrets-router", "v1", time.Second)
	c.RegisterCheck("b", func(ctx context.Context) error { return errors.New("x") })
	c.RegisterCheck("a", func(ctx context.Context) error { return nil })
	c.RegisterCheck("b", func(ctx context.Context) error { return nil })

	if got := c.ListChecks(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("ListChecks() = %v", got)
	}
	if !c.CheckReadiness(context.Background()).Ready() {
		t.Error("replaced check still failing")
	}
}

// ============================================================================
// Handlers
// ============================================================================

func TestLivenessHandler(t *testing.T) {
	c := New("secrets-router", "v1.2.3", time.Second)
	c.RegisterCheck("broken", func(ctx context.Context) error { return errors.New("down") })

	rr := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body LivenessStatus
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := LivenessStatus{Status: "healthy", Service: "secrets-router", Version: "v1.2.3"}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		check    CheckFunc
		wantCode int
	}{
		{"ready", func(ctx context.Context) error { return nil }, http.StatusOK},
		{"not ready", func(ctx context.Context) error { return errors.New("no policy snapshot") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New("secrets-router", "v1", time.Second)
			c.RegisterCheck("policy", tt.check)

			rr := httptest.NewRecorder()
			c.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			var body ReadinessStatus
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, ok := body.Checks["policy"]; !ok {
				t.Error("policy check missing from body")
			}
		})
	}
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	c := New("secrets-router", "v1", time.Second)
	for _, h := range []http.HandlerFunc{c.LivenessHandler(), c.ReadinessHandler()} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	}
}

func TestHandlers_Head(t *testing.T) {
	c := New("secrets-router", "v1", time.Second)
	rr := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodHead, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Errorf("HEAD: code %d, body %d bytes", rr.Code, rr.Body.Len())
	}
}
