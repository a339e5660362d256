package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/secretsrouter/pkg/server/types"
	"mercator-hq/secretsrouter/pkg/telemetry/logging"
)

// ============================================================================
// RequestID
// ============================================================================

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetRequestID(r.Context())
	}))

	t.Run("generates request ID when not provided", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		got := w.Header().Get(RequestIDHeader)
		if got == "" || got != seen {
			t.Errorf("header = %q, context = %q", got, seen)
		}
	})

	t.Run("uses provided request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "custom-request-id-12345")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if seen != "custom-request-id-12345" {
			t.Errorf("request ID = %q, want custom-request-id-12345", seen)
		}
	})

	t.Run("replaces malformed request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "bad id\nwith newline")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if strings.Contains(seen, " ") || seen == "" {
			t.Errorf("request ID = %q, want generated", seen)
		}
	})

	t.Run("generates unique IDs", func(t *testing.T) {
		w1, w2 := httptest.NewRecorder(), httptest.NewRecorder()
		handler.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/test", nil))
		handler.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/test", nil))
		if w1.Header().Get(RequestIDHeader) == w2.Header().Get(RequestIDHeader) {
			t.Error("request IDs should be unique")
		}
	})
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecovery(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		handler := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", w.Code)
		}
		var body types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		if body.Error.Type != types.ErrorTypeServerError {
			t.Errorf("type = %q", body.Error.Type)
		}
		if body.Error.RequestID == "" || body.Error.RequestID != w.Header().Get(RequestIDHeader) {
			t.Errorf("request_id = %q", body.Error.RequestID)
		}
		if strings.Contains(w.Body.String(), "test panic") {
			t.Error("panic value leaked to the caller")
		}
	})

	t.Run("passes through normal requests", func(t *testing.T) {
		handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("OK"))
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		if w.Code != http.StatusOK || w.Body.String() != "OK" {
			t.Errorf("response = %d %q", w.Code, w.Body.String())
		}
	})
}

// ============================================================================
// Logging
// ============================================================================

func TestLogging_LevelByStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/secrets/db/password", nil))

	var completed map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if m["msg"] == "request completed" {
			completed = m
		}
	}
	if completed == nil {
		t.Fatalf("no completion line in %s", buf.String())
	}
	if completed["level"] != "WARN" || completed["status"] != float64(http.StatusForbidden) {
		t.Errorf("completion = %v", completed)
	}
}

// ============================================================================
// Metrics
// ============================================================================

type recordedRequest struct {
	route  string
	status int
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	inFlight int
}

func (f *fakeRecorder) RecordRequest(route string, status int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{route, status})
}

func (f *fakeRecorder) RequestStarted() func() {
	f.mu.Lock()
	f.inFlight++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
}

func TestMetrics_RecordsRoutePattern(t *testing.T) {
	rec := &fakeRecorder{}
	handler := Metrics(rec, "GET /secrets/{name}/{key}")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/secrets/db/password", nil))

	if len(rec.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(rec.requests))
	}
	got := rec.requests[0]
	if got.route != "GET /secrets/{name}/{key}" || got.status != http.StatusNotFound {
		t.Errorf("recorded = %+v", got)
	}
	if rec.inFlight != 0 {
		t.Errorf("in flight = %d after completion", rec.inFlight)
	}
}

func TestMetrics_NilRecorder(t *testing.T) {
	called := false
	handler := Metrics(nil, "x")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler not called")
	}
}
