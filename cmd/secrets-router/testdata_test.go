package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const testPolicies = `kind: Policy
id: frontend-config
priority: 10
selector:
  principals: ["frontend-sa"]
rules:
  - effect: allow
    backend: static
    secret: frontend-config
    keys: ["*"]
  - effect: deny
    backend: "*"
    secret: database-credentials
---
kind: Policy
id: batch-window
priority: 5
selector:
  principals: ["batch"]
rules:
  - effect: allow
    backend: static
    secret: reports
conditions:
  - type: time_window
    timeWindow:
      start: "09:00"
      end: "17:00"
      timezone: UTC
---
kind: SecretAccessGroup
id: rds-admins
members:
  - principals: ["migrator"]
secrets:
  - backend: static
    name: rds-credentials
approvalRequired: true
approvers: ["dba-lead"]
timeout: 5m
`

// writePolicies writes testPolicies into a fresh directory and returns it.
func writePolicies(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policies.yaml"), []byte(testPolicies), 0o600); err != nil {
		t.Fatalf("failed to write policies: %v", err)
	}
	return dir
}

// writeConfig writes a minimal router config using an HMAC JWT authority, a
// static backend, file policies and SQLite audit storage.
func writeConfig(t *testing.T, policiesDir, auditPath string) string {
	t.Helper()
	cfg := `server:
  listen_address: "127.0.0.1:0"
identity:
  jwt:
    enabled: true
    hmac_secret: test-secret
policy:
  file_path: ` + policiesDir + `
  watch: false
backends:
  stores:
    - name: static
      type: static
      secrets:
        frontend-config:
          api_url: https://api.internal
        rds-credentials:
          password: hunter2
audit:
  storage: sqlite
  sqlite:
    path: ` + auditPath + `
telemetry:
  logging:
    level: error
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// executeCommand runs the root command with args and returns what it wrote.
// Flags are restored to their defaults afterwards.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	}()
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
