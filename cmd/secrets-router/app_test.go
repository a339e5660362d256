package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mercator-hq/secretsrouter/pkg/audit"
	"mercator-hq/secretsrouter/pkg/broker"
	"mercator-hq/secretsrouter/pkg/config"
	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/server/types"
)

// serviceToken mints an HS256 service account token accepted by the test
// configuration.
func serviceToken(t *testing.T, namespace, name string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "system:serviceaccount:" + namespace + ":" + name,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

// newTestApp wires a router from the test configuration. Approvals answer
// immediately so pending requests do not block.
func newTestApp(t *testing.T) (*app, string) {
	t.Helper()
	auditPath := filepath.Join(t.TempDir(), "audit.db")
	cfg, err := config.LoadConfigWithEnvOverrides(writeConfig(t, writePolicies(t), auditPath))
	if err != nil {
		t.Fatalf("LoadConfigWithEnvOverrides() error = %v", err)
	}
	cfg.Approval.Mode = "async"

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	return a, auditPath
}

// ==================== Wiring ====================

func TestNewApp_BrokerAccess(t *testing.T) {
	a, auditPath := newTestApp(t)
	ctx := context.Background()

	if snap := a.policies.Snapshot(); snap == nil || len(snap.Policies) != 2 {
		t.Fatalf("policies not loaded: %v", snap)
	}
	if a.detector == nil {
		t.Error("anomaly detector should be enabled by default")
	}

	cred := identity.Credentials{BearerToken: serviceToken(t, "web", "frontend-sa")}

	res, err := a.broker.Access(ctx, broker.AccessRequest{
		RequestID:   "req-allow",
		Credentials: cred,
		SecretName:  "frontend-config",
		Key:         "api_url",
	})
	if err != nil {
		t.Fatalf("Access(frontend-config) error = %v", err)
	}
	if res.Value != "https://api.internal" || res.Backend != "static" {
		t.Errorf("result = %s from %s", res.Value, res.Backend)
	}

	_, err = a.broker.Access(ctx, broker.AccessRequest{
		RequestID:   "req-deny",
		Credentials: cred,
		SecretName:  "database-credentials",
		Key:         "password",
	})
	if broker.KindOf(err) != broker.KindForbidden {
		t.Errorf("Access(database-credentials) kind = %s, want %s", broker.KindOf(err), broker.KindForbidden)
	}

	_, err = a.broker.Access(ctx, broker.AccessRequest{
		Credentials: identity.Credentials{BearerToken: "not-a-jwt"},
		SecretName:  "frontend-config",
		Key:         "api_url",
	})
	if broker.KindOf(err) != broker.KindInvalidIdentity {
		t.Errorf("bad token kind = %s, want %s", broker.KindOf(err), broker.KindInvalidIdentity)
	}

	if err := a.close(ctx); err != nil {
		t.Fatalf("close() error = %v", err)
	}

	// Every read, granted or not, reached the audit trail.
	st, err := newAuditStorage(&config.AuditConfig{Storage: "sqlite", SQLite: config.AuditSQLiteConfig{Path: auditPath}})
	if err != nil {
		t.Fatalf("newAuditStorage() error = %v", err)
	}
	defer st.Close()
	records, err := st.Query(ctx, &audit.Query{SortOrder: "asc"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d audit records, want 3", len(records))
	}
	if r := records[0]; r.RequestID != "req-allow" || r.Outcome != audit.OutcomeSuccess || r.MatchedPolicy != "frontend-config" {
		t.Errorf("first record = %+v", r)
	}
	if r := records[1]; r.Outcome != audit.OutcomeDenied || r.Principal != "frontend-sa" {
		t.Errorf("second record = %+v", r)
	}
	for _, r := range records {
		if strings.Contains(r.Reason, "https://api.internal") {
			t.Errorf("audit record leaks the secret value: %+v", r)
		}
	}
}

// ==================== HTTP ====================

func TestNewApp_HTTPApprovalFlow(t *testing.T) {
	a, _ := newTestApp(t)
	defer a.close(context.Background())

	srv := httptest.NewServer(a.newServer().Handler())
	defer srv.Close()

	migrator := serviceToken(t, "ops", "migrator")
	lead := serviceToken(t, "ops", "dba-lead")

	// The group requires approval, so the first read is parked.
	resp := doRequest(t, http.MethodGet, srv.URL+"/secrets/rds-credentials/password", migrator)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var pending types.ErrorResponse
	decodeBody(t, resp, &pending)
	approvalID := pending.Error.ApprovalID
	if approvalID == "" || pending.Error.Code != string(broker.KindApprovalPending) {
		t.Fatalf("pending response = %+v", pending.Error)
	}
	if loc := resp.Header.Get("Location"); loc != "/approvals/"+approvalID {
		t.Errorf("Location = %q", loc)
	}

	// The requester cannot approve its own request.
	resp = doRequest(t, http.MethodPost, srv.URL+"/approvals/"+approvalID+"/approve", migrator)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("self-approval status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doRequest(t, http.MethodGet, srv.URL+"/approvals?state=pending", lead)
	var list types.ApprovalList
	decodeBody(t, resp, &list)
	if list.Count != 1 || list.Approvals[0].ID != approvalID {
		t.Fatalf("approver sees %+v", list)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/approvals/"+approvalID+"/approve", lead)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doRequest(t, http.MethodGet, srv.URL+"/secrets/rds-credentials/password?approval_id="+approvalID, migrator)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after approval = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", resp.Header.Get("Cache-Control"))
	}
	var secret types.SecretResponse
	decodeBody(t, resp, &secret)
	if secret.Value != "hunter2" || secret.Backend != "static" {
		t.Errorf("secret = %+v", secret)
	}
}

func TestNewApp_HTTPErrors(t *testing.T) {
	a, _ := newTestApp(t)
	defer a.close(context.Background())

	srv := httptest.NewServer(a.newServer().Handler())
	defer srv.Close()

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
		wantCode   broker.Kind
	}{
		{"no token", "/secrets/frontend-config/api_url", "", http.StatusUnauthorized, broker.KindInvalidIdentity},
		{"policy deny", "/secrets/database-credentials/password", serviceToken(t, "web", "frontend-sa"), http.StatusForbidden, broker.KindForbidden},
		{"unknown key", "/secrets/frontend-config/missing", serviceToken(t, "web", "frontend-sa"), http.StatusNotFound, broker.KindSecretNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, srv.URL+tt.path, tt.token)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body types.ErrorResponse
			decodeBody(t, resp, &body)
			if body.Error.Code != string(tt.wantCode) {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
			if body.Error.RequestID == "" {
				t.Error("error response carries no request ID")
			}
		})
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/healthz", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}
}

// ==================== run ====================

func TestRunCommand_DryRun(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.db")
	cfgPath := writeConfig(t, writePolicies(t), auditPath)

	out, _, err := executeCommand(t, "run", "--config", cfgPath, "--dry-run")
	if err != nil {
		t.Fatalf("run --dry-run error = %v", err)
	}
	for _, want := range []string{"Loading configuration from: " + cfgPath, "Policies loaded", "Backends configured: [static]", "Audit storage: sqlite", "Configuration valid"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Server listening") {
		t.Error("dry run must not start the server")
	}
}

func doRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("invalid JSON body: %v\n%s", err, data)
	}
}
