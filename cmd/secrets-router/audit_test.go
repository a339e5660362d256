package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mercator-hq/secretsrouter/pkg/audit"
	"mercator-hq/secretsrouter/pkg/cli"
	"mercator-hq/secretsrouter/pkg/config"
)

// seedAudit stores records at fixed times into a SQLite file.
func seedAudit(t *testing.T, path string, base time.Time) {
	t.Helper()
	st, err := newAuditStorage(&config.AuditConfig{
		Storage: "sqlite",
		SQLite:  config.AuditSQLiteConfig{Path: path},
	})
	if err != nil {
		t.Fatalf("newAuditStorage() error = %v", err)
	}
	defer st.Close()

	records := []*audit.Record{
		{ID: "r1", Timestamp: base, RequestID: "req-1", Principal: "frontend-sa", IdentityNamespace: "web", SecretName: "frontend-config", SecretKey: "api_url", Namespace: "web", Decision: "allow", Outcome: audit.OutcomeSuccess, Backend: "static", MatchedPolicy: "frontend-config", StatusCode: 200},
		{ID: "r2", Timestamp: base.Add(time.Minute), RequestID: "req-2", Principal: "frontend-sa", IdentityNamespace: "web", SecretName: "database-credentials", SecretKey: "password", Namespace: "web", Decision: "deny", Outcome: audit.OutcomeDenied, StatusCode: 403},
		{ID: "r3", Timestamp: base.Add(2 * time.Minute), RequestID: "req-3", Principal: "migrator", IdentityNamespace: "ops", SecretName: "rds-credentials", SecretKey: "password", Namespace: "ops", Decision: "pending_approval", Outcome: audit.OutcomePending, StatusCode: 202},
	}
	for _, r := range records {
		if err := st.Store(context.Background(), r); err != nil {
			t.Fatalf("Store(%s) error = %v", r.ID, err)
		}
	}
}

// ==================== audit query ====================

func TestAuditQueryCommand(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.db")
	base := time.Date(2025, 11, 19, 10, 0, 0, 0, time.UTC)
	seedAudit(t, auditPath, base)
	cfgPath := writeConfig(t, writePolicies(t), auditPath)

	t.Run("table newest first", func(t *testing.T) {
		out, _, err := executeCommand(t, "audit", "query", "--config", cfgPath)
		if err != nil {
			t.Fatalf("audit query error = %v", err)
		}
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) != 4 {
			t.Fatalf("got %d lines, want header + 3:\n%s", len(lines), out)
		}
		if !strings.HasPrefix(lines[0], "TIME") {
			t.Errorf("header = %q", lines[0])
		}
		if !strings.Contains(lines[1], "ops/migrator") {
			t.Errorf("first row should be newest, got %q", lines[1])
		}
	})

	t.Run("filters as json", func(t *testing.T) {
		out, _, err := executeCommand(t, "audit", "query", "--config", cfgPath,
			"--principal", "frontend-sa", "--decision", "deny", "--format", "json")
		if err != nil {
			t.Fatalf("audit query error = %v", err)
		}
		var records []*audit.Record
		if err := json.Unmarshal([]byte(out), &records); err != nil {
			t.Fatalf("invalid JSON: %v\n%s", err, out)
		}
		if len(records) != 1 || records[0].ID != "r2" {
			t.Errorf("records = %+v, want only r2", records)
		}
	})

	t.Run("time range ascending", func(t *testing.T) {
		rng := base.Add(30*time.Second).Format(time.RFC3339) + "/" + base.Add(3*time.Minute).Format(time.RFC3339)
		out, _, err := executeCommand(t, "audit", "query", "--config", cfgPath,
			"--time-range", rng, "--asc", "--format", "json")
		if err != nil {
			t.Fatalf("audit query error = %v", err)
		}
		var records []*audit.Record
		if err := json.Unmarshal([]byte(out), &records); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(records) != 2 || records[0].ID != "r2" || records[1].ID != "r3" {
			t.Errorf("records = %v, want [r2 r3]", recordIDs(records))
		}
	})

	t.Run("count", func(t *testing.T) {
		out, _, err := executeCommand(t, "audit", "query", "--config", cfgPath, "--outcome", "pending", "--count")
		if err != nil {
			t.Fatalf("audit query error = %v", err)
		}
		if strings.TrimSpace(out) != "1" {
			t.Errorf("count = %q, want 1", out)
		}
	})

	t.Run("memory storage cannot be queried", func(t *testing.T) {
		_, _, err := executeCommand(t, "audit", "query", "--config", cfgPath, "--storage", "memory")
		if cli.ExitCode(err) != cli.ExitConfig {
			t.Errorf("exit code = %d, want %d (err %v)", cli.ExitCode(err), cli.ExitConfig, err)
		}
	})
}

func TestAuditPruneCommand(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.db")
	seedAudit(t, auditPath, time.Now().AddDate(0, 0, -200))
	cfgPath := writeConfig(t, writePolicies(t), auditPath)

	out, _, err := executeCommand(t, "audit", "prune", "--config", cfgPath)
	if err != nil {
		t.Fatalf("audit prune error = %v", err)
	}
	if !strings.Contains(out, "Pruned 3 audit records") {
		t.Errorf("output = %q", out)
	}

	out, _, err = executeCommand(t, "audit", "query", "--config", cfgPath, "--count")
	if err != nil {
		t.Fatalf("audit query error = %v", err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Errorf("count after prune = %q, want 0", out)
	}
}

// ==================== Flag Parsing ====================

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"valid", "2025-11-19T00:00:00Z/2025-11-20T00:00:00Z", ""},
		{"missing separator", "2025-11-19T00:00:00Z", "expected: start/end"},
		{"bad start", "yesterday/2025-11-20T00:00:00Z", "invalid start time"},
		{"bad end", "2025-11-19T00:00:00Z/tomorrow", "invalid end time"},
		{"reversed", "2025-11-20T00:00:00Z/2025-11-19T00:00:00Z", "before start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := parseTimeRange(tt.in)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if end.Sub(start) != 24*time.Hour {
					t.Errorf("range = %v..%v", start, end)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildAuditQuery(t *testing.T) {
	defer resetFlags(rootCmd)
	now := time.Date(2025, 11, 19, 12, 0, 0, 0, time.UTC)

	auditFlags.principal = "frontend-sa"
	auditFlags.outcome = "denied"
	auditFlags.since = time.Hour
	auditFlags.ascending = true
	auditFlags.limit = 10

	q, err := buildAuditQuery(now)
	if err != nil {
		t.Fatalf("buildAuditQuery() error = %v", err)
	}
	if q.Principal != "frontend-sa" || q.Outcome != audit.OutcomeDenied || q.Limit != 10 {
		t.Errorf("query = %+v", q)
	}
	if !q.Ascending() {
		t.Error("expected ascending order")
	}
	if q.StartTime == nil || !q.StartTime.Equal(now.Add(-time.Hour)) {
		t.Errorf("StartTime = %v, want %v", q.StartTime, now.Add(-time.Hour))
	}

	auditFlags.timeRange = "2025-11-19T00:00:00Z/2025-11-20T00:00:00Z"
	if _, err := buildAuditQuery(now); cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("--since with --time-range: err = %v, want config error", err)
	}
}

func recordIDs(records []*audit.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
