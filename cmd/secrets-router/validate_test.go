package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mercator-hq/secretsrouter/pkg/cli"
	"mercator-hq/secretsrouter/pkg/config"
	"mercator-hq/secretsrouter/pkg/policy/source"
)

// ==================== Snapshot Checks ====================

func TestCheckSnapshot(t *testing.T) {
	dir := writePolicies(t)
	snap, err := source.LoadPath(dir, "file:"+dir)
	if err != nil {
		t.Fatalf("LoadPath() error = %v", err)
	}

	report, err := checkSnapshot(context.Background(), snap)
	if err != nil {
		t.Fatalf("checkSnapshot() error = %v", err)
	}

	if got := strings.Join(report.Policies, ","); got != "batch-window,frontend-config" {
		t.Errorf("Policies = %s", got)
	}
	if got := strings.Join(report.Groups, ","); got != "rds-admins" {
		t.Errorf("Groups = %s", got)
	}
	if got := strings.Join(report.Backends, ","); got != "static" {
		t.Errorf("Backends = %s, want static (wildcards excluded)", got)
	}
	if report.Version != snap.Version {
		t.Errorf("Version = %s, want %s", report.Version, snap.Version)
	}
}

func TestCheckSnapshot_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "duplicate policy IDs",
			doc: `kind: Policy
id: dup
rules:
  - effect: allow
    secret: a
---
kind: Policy
id: dup
rules:
  - effect: allow
    secret: b
`,
		},
		{
			name: "rego module does not compile",
			doc: `kind: Policy
id: broken-rego
rules:
  - effect: allow
    secret: a
conditions:
  - type: rego
    rego:
      module: "package x\nallow { input.principal == }"
      query: data.x.allow
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "p.yaml")
			if err := os.WriteFile(path, []byte(tt.doc), 0o600); err != nil {
				t.Fatal(err)
			}
			snap, err := source.LoadPath(path, "test")
			if err != nil {
				// Rejected while decoding is also a rejection.
				return
			}
			if _, err := checkSnapshot(context.Background(), snap); err == nil {
				t.Error("expected snapshot to be rejected")
			}
		})
	}
}

func TestLoadConfiguredPolicies_File(t *testing.T) {
	dir := writePolicies(t)
	cfg := &config.PolicyConfig{Mode: "file", FilePath: dir}

	snap, err := loadConfiguredPolicies(context.Background(), cfg)
	if err != nil {
		t.Fatalf("loadConfiguredPolicies() error = %v", err)
	}
	if len(snap.Policies) != 2 || len(snap.Groups) != 1 {
		t.Errorf("snapshot = %s", snap.Summary())
	}
	if snap.Source != "file:"+dir {
		t.Errorf("Source = %q", snap.Source)
	}
}

// ==================== Output ====================

func TestWriteValidation(t *testing.T) {
	report := &validationReport{
		Version:  "abc123",
		Policies: []string{"p1", "p2"},
		Groups:   []string{"g1"},
		Backends: []string{"kubernetes"},
	}

	t.Run("table", func(t *testing.T) {
		var out, status bytes.Buffer
		if err := writeValidation(&out, &status, cli.FormatTable, report); err != nil {
			t.Fatalf("writeValidation() error = %v", err)
		}
		if !strings.Contains(status.String(), "2 policies, 1 groups (version abc123)") {
			t.Errorf("status = %q", status.String())
		}
		if !strings.Contains(status.String(), "[kubernetes]") {
			t.Errorf("status missing backends: %q", status.String())
		}
		for _, want := range []string{"KIND", "Policy", "p2", "SecretAccessGroup", "g1"} {
			if !strings.Contains(out.String(), want) {
				t.Errorf("table missing %q:\n%s", want, out.String())
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		var out, status bytes.Buffer
		if err := writeValidation(&out, &status, cli.FormatJSON, report); err != nil {
			t.Fatalf("writeValidation() error = %v", err)
		}
		if status.Len() != 0 {
			t.Errorf("json mode wrote status lines: %q", status.String())
		}
		var decoded validationReport
		if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if decoded.Version != "abc123" || len(decoded.Policies) != 2 {
			t.Errorf("decoded = %+v", decoded)
		}
	})
}
