package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/cli"
	"mercator-hq/secretsrouter/pkg/server/types"
)

// fakeApprovals serves the approval routes from an in-memory map.
type fakeApprovals struct {
	mu       sync.Mutex
	requests map[string]*approval.Request
	queries  []string
	tokens   []string
}

func newFakeApprovals(t *testing.T) (*fakeApprovals, *httptest.Server) {
	t.Helper()
	created := time.Date(2025, 11, 19, 10, 0, 0, 0, time.UTC)
	f := &fakeApprovals{requests: map[string]*approval.Request{
		"ap-1": {
			ID: "ap-1", Principal: "migrator", Namespace: "ops", Secret: "rds-credentials", Key: "password",
			GroupID: "rds-admins", Approvers: []string{"dba-lead"}, State: approval.StatePending,
			CreatedAt: created, Deadline: created.Add(5 * time.Minute),
		},
	}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /approvals", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.queries = append(f.queries, r.URL.RawQuery)
		f.tokens = append(f.tokens, r.Header.Get("Authorization"))
		var list []*approval.Request
		state := r.URL.Query().Get("state")
		for _, req := range f.requests {
			if state == "" || string(req.State) == state {
				list = append(list, req)
			}
		}
		writeJSON(w, http.StatusOK, types.ApprovalList{Approvals: list, Count: len(list)})
	})
	mux.HandleFunc("GET /approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		req, ok := f.requests[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: types.ErrorDetail{
				Message: "approval request not found", Type: "not_found", Code: "approval_not_found",
			}})
			return
		}
		writeJSON(w, http.StatusOK, req)
	})
	mux.HandleFunc("POST /approvals/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body types.DecisionRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		req, ok := f.requests[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: types.ErrorDetail{Message: "not found"}})
			return
		}
		if req.State.Terminal() {
			writeJSON(w, http.StatusConflict, types.ErrorResponse{Error: types.ErrorDetail{
				Message: "request already decided", Type: "conflict", Code: "approval_decided",
			}})
			return
		}
		req.State = approval.StateApproved
		req.DecidedBy = "dba-lead"
		req.DecidedAt = req.CreatedAt.Add(time.Minute)
		req.Comment = body.Comment
		writeJSON(w, http.StatusOK, req)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ==================== Commands ====================

func TestApprovalsList(t *testing.T) {
	f, srv := newFakeApprovals(t)

	out, _, err := executeCommand(t, "approvals", "list", "--server", srv.URL, "--token", "tok-1")
	if err != nil {
		t.Fatalf("approvals list error = %v", err)
	}
	for _, want := range []string{"ID", "ap-1", "pending", "ops/migrator", "rds-credentials/password", "rds-admins"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if len(f.queries) != 1 || f.queries[0] != "state=pending" {
		t.Errorf("queries = %v, want [state=pending]", f.queries)
	}
	if f.tokens[0] != "Bearer tok-1" {
		t.Errorf("Authorization = %q", f.tokens[0])
	}
}

func TestApprovalsList_AllStatesAsJSON(t *testing.T) {
	f, srv := newFakeApprovals(t)

	out, _, err := executeCommand(t, "approvals", "list", "--server", srv.URL, "--token", "tok",
		"--state", "all", "--group", "rds-admins", "--format", "json")
	if err != nil {
		t.Fatalf("approvals list error = %v", err)
	}
	var list []*approval.Request
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(list) != 1 || list[0].ID != "ap-1" {
		t.Errorf("list = %+v", list)
	}
	if f.queries[0] != "group=rds-admins" {
		t.Errorf("query = %q, want no state filter", f.queries[0])
	}
}

func TestApprovalsList_EmptyIsJSONArray(t *testing.T) {
	_, srv := newFakeApprovals(t)

	out, _, err := executeCommand(t, "approvals", "list", "--server", srv.URL, "--token", "tok",
		"--state", "expired", "--format", "json")
	if err != nil {
		t.Fatalf("approvals list error = %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("output = %q, want []", out)
	}
}

func TestApprovalsGetAndApprove(t *testing.T) {
	_, srv := newFakeApprovals(t)

	out, _, err := executeCommand(t, "approvals", "get", "ap-1", "--server", srv.URL, "--token", "tok")
	if err != nil {
		t.Fatalf("approvals get error = %v", err)
	}
	if !strings.Contains(out, "dba-lead") || strings.Contains(out, "decided by") {
		t.Errorf("get output:\n%s", out)
	}

	out, status, err := executeCommand(t, "approvals", "approve", "ap-1", "-m", "ticket 42",
		"--server", srv.URL, "--token", "tok")
	if err != nil {
		t.Fatalf("approvals approve error = %v", err)
	}
	if !strings.Contains(status, "Request ap-1 approved by dba-lead") {
		t.Errorf("status = %q", status)
	}
	for _, want := range []string{"decided by", "ticket 42"} {
		if !strings.Contains(out, want) {
			t.Errorf("approve output missing %q:\n%s", want, out)
		}
	}

	// Deciding twice surfaces the API conflict.
	_, _, err = executeCommand(t, "approvals", "approve", "ap-1", "--server", srv.URL, "--token", "tok")
	var apiErr *cli.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "approval_decided" {
		t.Errorf("second approve error = %v, want 409 approval_decided", err)
	}
	if cli.ExitCode(err) != cli.ExitRejected {
		t.Errorf("exit code = %d, want %d", cli.ExitCode(err), cli.ExitRejected)
	}
}

func TestApprovalsGet_NotFound(t *testing.T) {
	_, srv := newFakeApprovals(t)

	_, _, err := executeCommand(t, "approvals", "get", "missing", "--server", srv.URL, "--token", "tok")
	if err == nil || !strings.Contains(err.Error(), "approval request not found") {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestApprovals_FlagErrors(t *testing.T) {
	_, srv := newFakeApprovals(t)

	tests := []struct {
		name string
		env  string
		args []string
	}{
		{"missing token", "", []string{"approvals", "list", "--server", srv.URL}},
		{"unknown state", "tok", []string{"approvals", "list", "--server", srv.URL, "--state", "stale"}},
		{"unknown format", "tok", []string{"approvals", "list", "--server", srv.URL, "--format", "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tokenEnv, tt.env)
			_, _, err := executeCommand(t, tt.args...)
			if cli.ExitCode(err) != cli.ExitConfig {
				t.Errorf("exit code = %d, want %d (err %v)", cli.ExitCode(err), cli.ExitConfig, err)
			}
		})
	}
}

func TestApprovals_TokenFromEnvironment(t *testing.T) {
	f, srv := newFakeApprovals(t)
	t.Setenv(tokenEnv, "env-token")

	if _, _, err := executeCommand(t, "approvals", "list", "--server", srv.URL); err != nil {
		t.Fatalf("approvals list error = %v", err)
	}
	if f.tokens[0] != "Bearer env-token" {
		t.Errorf("Authorization = %q", f.tokens[0])
	}
}
