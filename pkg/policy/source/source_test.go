package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/secretsrouter/pkg/policy"
)

const frontendPolicy = `
kind: Policy
id: frontend-config
priority: 10
selector:
  principals: ["frontend-sa"]
rules:
  - effect: allow
    backend: kubernetes
    secret: frontend-config
    keys: ["*"]
`

const dbGroup = `
kind: SecretAccessGroup
id: rds-admins
members:
  - principals: ["migrator"]
secrets:
  - backend: aws-secrets-manager
    name: rds-credentials
approvalRequired: true
approvers: ["dba-lead"]
timeout: 5m
`

const bundleDoc = `
policies:
  - id: deny-db
    priority: 1
    rules:
      - effect: deny
        backend: "*"
        secret: "database-*"
  - id: reporting
    priority: 5
    selector:
      namespaces: ["analytics"]
    rules:
      - effect: allow
        secret: "reports/*"
    conditions:
      - type: rate_limit
        rateLimit:
          count: 10
          period: 1m
groups:
  - id: shared
    members:
      - namespaces: ["analytics"]
    secrets:
      - name: shared-token
`

// ============================================================================
// Decode
// ============================================================================

func TestDecode_Kinds(t *testing.T) {
	policies, groups, err := Decode("test.yaml", []byte(frontendPolicy+"\n---\n"+dbGroup))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(policies) != 1 || policies[0].ID != "frontend-config" {
		t.Fatalf("policies = %+v, want frontend-config", policies)
	}
	if len(groups) != 1 || groups[0].ID != "rds-admins" {
		t.Fatalf("groups = %+v, want rds-admins", groups)
	}
	if !groups[0].ApprovalRequired {
		t.Error("ApprovalRequired = false, want true")
	}
	if groups[0].Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", groups[0].Timeout)
	}
}

func TestDecode_Bundle(t *testing.T) {
	policies, groups, err := Decode("bundle.yaml", []byte(bundleDoc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("len(policies) = %d, want 2", len(policies))
	}
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}

	rl := policies[1].Conditions[0].RateLimit
	if rl == nil || rl.Count != 10 || rl.Period != time.Minute {
		t.Errorf("rate limit = %+v, want 10/1m", rl)
	}
}

func TestDecode_EmptyDocuments(t *testing.T) {
	policies, groups, err := Decode("empty.yaml", []byte("---\n---\n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(policies) != 0 || len(groups) != 0 {
		t.Errorf("got %d policies, %d groups, want none", len(policies), len(groups))
	}
}

func TestDecode_SchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown effect", `
kind: Policy
id: p
rules:
  - effect: maybe
    secret: x
`},
		{"missing rules", `
kind: Policy
id: p
`},
		{"unknown field", `
kind: Policy
id: p
owner: me
rules:
  - effect: allow
    secret: x
`},
		{"bad condition type", `
kind: Policy
id: p
rules:
  - effect: allow
    secret: x
conditions:
  - type: weather
`},
		{"bad clock", `
kind: Policy
id: p
rules:
  - effect: allow
    secret: x
conditions:
  - type: time_window
    timeWindow:
      start: "9am"
      end: "17:00"
`},
		{"group without members", `
kind: SecretAccessGroup
id: g
secrets:
  - name: x
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode("bad.yaml", []byte(tt.doc))
			if err == nil {
				t.Fatal("Decode() error = nil, want schema error")
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("error type = %T, want *LoadError", err)
			}
			if le.Path != "bad.yaml" {
				t.Errorf("Path = %q, want bad.yaml", le.Path)
			}
		})
	}
}

func TestDecode_MalformedYAML(t *testing.T) {
	_, _, err := Decode("broken.yaml", []byte("kind: Policy\n  id: [unterminated"))
	if err == nil {
		t.Fatal("Decode() error = nil, want parse error")
	}
}

// ============================================================================
// LoadPath
// ============================================================================

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPath_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "frontend.yaml"), frontendPolicy)
	writeFile(t, filepath.Join(dir, "groups", "db.yml"), dbGroup)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, ".hidden", "skip.yaml"), "kind: nonsense")

	snap, err := LoadPath(dir, "test")
	if err != nil {
		t.Fatalf("LoadPath() error = %v", err)
	}
	if len(snap.Policies) != 1 || len(snap.Groups) != 1 {
		t.Fatalf("snapshot = %s, want 1 policy and 1 group", snap.Summary())
	}
	if snap.Source != "test" {
		t.Errorf("Source = %q, want test", snap.Source)
	}
	if err := snap.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	again, err := LoadPath(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	if again.Version != snap.Version {
		t.Errorf("version changed without edits: %s -> %s", snap.Version, again.Version)
	}

	writeFile(t, filepath.Join(dir, "frontend.yaml"), strings.Replace(frontendPolicy, "priority: 10", "priority: 11", 1))
	changed, err := LoadPath(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	if changed.Version == snap.Version {
		t.Error("version unchanged after edit")
	}
}

func TestLoadPath_Missing(t *testing.T) {
	_, err := LoadPath(filepath.Join(t.TempDir(), "nope"), "test")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *LoadError", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("errors.Is(err, os.ErrNotExist) = false")
	}
}

// ============================================================================
// FileSource
// ============================================================================

type recordingSink struct {
	mu       sync.Mutex
	swapped  []*policy.Snapshot
	failures []error
	notify   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 16)}
}

func (s *recordingSink) Swap(snap *policy.Snapshot) error {
	s.mu.Lock()
	s.swapped = append(s.swapped, snap)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *recordingSink) ReportFailure(err error) {
	s.mu.Lock()
	s.failures = append(s.failures, err)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestFileSource_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "frontend.yaml"), frontendPolicy)

	src := NewFileSource(dir, 50*time.Millisecond)
	sink := newRecordingSink()
	if err := Publish(context.Background(), src, sink); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	sink.wait(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx, sink) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "db.yaml"), dbGroup)

	deadline := time.After(5 * time.Second)
	for {
		sink.mu.Lock()
		last := sink.swapped[len(sink.swapped)-1]
		sink.mu.Unlock()
		if len(last.Groups) == 1 {
			break
		}
		select {
		case <-sink.notify:
		case <-deadline:
			t.Fatalf("reloaded snapshot = %s, want 1 group", last.Summary())
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestFileSource_BadReloadReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "frontend.yaml"), "kind: Policy\nid: broken\n")

	sink := newRecordingSink()
	err := Publish(context.Background(), NewFileSource(dir, 0), sink)
	if err == nil {
		t.Fatal("Publish() error = nil, want load error")
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.failures) != 1 || len(sink.swapped) != 0 {
		t.Errorf("failures = %d, swaps = %d, want 1 and 0", len(sink.failures), len(sink.swapped))
	}
}

// ============================================================================
// Debouncer
// ============================================================================

func TestDebouncer_CollapsesBursts(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var mu sync.Mutex
	calls := 0
	for i := 0; i < 10; i++ {
		d.Trigger(func() {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDebouncer_StopCancels(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	fired := make(chan struct{}, 1)
	d.Trigger(func() { fired <- struct{}{} })
	d.Stop()

	select {
	case <-fired:
		t.Error("callback ran after Stop")
	case <-time.After(80 * time.Millisecond):
	}
}

// ============================================================================
// GitSource
// ============================================================================

func TestGitAuthMethod(t *testing.T) {
	tests := []struct {
		name    string
		auth    GitAuth
		wantErr bool
		wantNil bool
	}{
		{"none", GitAuth{Type: "none"}, false, true},
		{"empty", GitAuth{}, false, true},
		{"token", GitAuth{Type: "token", Token: "ghp_x"}, false, false},
		{"token missing", GitAuth{Type: "token"}, true, false},
		{"ssh missing path", GitAuth{Type: "ssh"}, true, false},
		{"ssh no file", GitAuth{Type: "ssh", SSHKeyPath: "/does/not/exist"}, true, false},
		{"unknown", GitAuth{Type: "kerberos"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := gitAuthMethod(tt.auth)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (m == nil) != tt.wantNil {
				t.Errorf("method = %v, wantNil %v", m, tt.wantNil)
			}
		})
	}
}

func TestGitSource_InPolicyPath(t *testing.T) {
	s := &GitSource{cfg: GitConfig{Path: "policies"}}
	tests := map[string]bool{
		"policies/a.yaml":        true,
		"policies/sub/b.yml":     true,
		"other/a.yaml":           false,
		"policies-old/a.yaml":    false,
		"../policies/escape.yml": false,
	}
	for file, want := range tests {
		if got := s.inPolicyPath(file); got != want {
			t.Errorf("inPolicyPath(%q) = %v, want %v", file, got, want)
		}
	}

	root := &GitSource{cfg: GitConfig{}}
	if !root.inPolicyPath("anything/at/all.yaml") {
		t.Error("empty Path should accept every file")
	}
}

func TestNewGitSource_Validation(t *testing.T) {
	if _, err := NewGitSource(GitConfig{LocalPath: t.TempDir()}); err == nil {
		t.Error("missing repository should fail")
	}
	if _, err := NewGitSource(GitConfig{Repository: "https://example.com/p.git"}); err == nil {
		t.Error("missing local path should fail")
	}
	s, err := NewGitSource(GitConfig{Repository: "https://example.com/p.git", LocalPath: t.TempDir()})
	if err != nil {
		t.Fatalf("NewGitSource() error = %v", err)
	}
	if s.cfg.Branch != "main" || s.cfg.PollInterval != 30*time.Second {
		t.Errorf("defaults not applied: %+v", s.cfg)
	}
}
