package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/secretsrouter/pkg/cli"
	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/policy/engine"
	"mercator-hq/secretsrouter/pkg/policy/source"
	"mercator-hq/secretsrouter/pkg/policy/store"
)

var evaluateFlags struct {
	policies  string
	principal string
	namespace string
	labels    string
	secret    string
	key       string
	backend   string
	at        string
	trace     bool
	format    string
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Decide a secret read offline",
	Long: `Evaluate one read against a policy set without contacting any backend.

The decision is computed exactly as the server would, except that the
caller's identity is taken from flags rather than verified, rate limits
start empty and every risk score is 0.

Exit status is 0 for allow, 3 for deny and 4 for pending approval.

Examples:
  # Would frontend-sa be allowed to read database-credentials/password?
  secrets-router evaluate --policies ./policies \
      --principal frontend-sa --namespace web \
      --secret database-credentials --key password

  # Check a time window condition at a fixed instant, with the trace
  secrets-router evaluate --policies ./policies --principal batch \
      --secret reports --key token --at 2025-01-04T23:30:00Z --trace`,
	RunE: evaluateRequest,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	f := evaluateCmd.Flags()
	f.StringVarP(&evaluateFlags.policies, "policies", "p", "./policies", "policy file or directory")
	f.StringVar(&evaluateFlags.principal, "principal", "", "caller principal (service account name)")
	f.StringVar(&evaluateFlags.namespace, "namespace", "default", "caller namespace")
	f.StringVar(&evaluateFlags.labels, "labels", "", "caller labels as k=v,k2=v2")
	f.StringVar(&evaluateFlags.secret, "secret", "", "secret name")
	f.StringVar(&evaluateFlags.key, "key", "", "secret key")
	f.StringVar(&evaluateFlags.backend, "backend", "", "requested backend (default: decided by policy)")
	f.StringVar(&evaluateFlags.at, "at", "", "evaluation time, RFC 3339 (default: now)")
	f.BoolVar(&evaluateFlags.trace, "trace", false, "print evaluation steps")
	f.StringVar(&evaluateFlags.format, "format", "table", "output format: table, json")

	_ = evaluateCmd.MarkFlagRequired("principal")
	_ = evaluateCmd.MarkFlagRequired("secret")
	_ = evaluateCmd.MarkFlagRequired("key")
}

// evaluation is one offline request and its decision.
type evaluation struct {
	Identity *identity.ServiceIdentity `json:"identity"`
	Request  engine.Request            `json:"request"`
	Decision *engine.Decision          `json:"decision"`
}

// Table implements cli.Tabular.
func (e *evaluation) Table() *cli.Table {
	d := e.Decision
	t := &cli.Table{Headers: []string{"FIELD", "VALUE"}}
	t.Append("caller", e.Identity.String())
	t.Append("secret", e.Request.SecretName+"/"+e.Request.Key)
	t.Append("result", string(d.Result))
	t.Append("kind", string(d.Kind))
	t.Append("reason", d.Reason)
	if d.MatchedPolicy != "" {
		t.Append("policy", d.MatchedPolicy)
	}
	if d.Group != "" {
		t.Append("group", d.Group)
	}
	if d.Backend != "" {
		t.Append("backend", d.Backend)
	}
	if d.Approval != nil {
		t.Append("approvers", strings.Join(d.Approval.Approvers, ","))
		t.Append("approval timeout", d.Approval.Timeout.String())
	}
	if d.RetryAfter > 0 {
		t.Append("retry after", d.RetryAfter.String())
		t.Append("limit", d.LimitScope)
	}
	t.Append("snapshot", d.SnapshotVersion)
	for i, step := range d.Trace {
		t.Append("trace "+strconv.Itoa(i+1), step)
	}
	return t
}

func evaluateRequest(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(evaluateFlags.format)
	if err != nil {
		return cli.NewConfigError("format", err.Error())
	}
	at := time.Now()
	if evaluateFlags.at != "" {
		at, err = time.Parse(time.RFC3339, evaluateFlags.at)
		if err != nil {
			return cli.NewConfigError("at", fmt.Sprintf("invalid time %q: %v", evaluateFlags.at, err))
		}
	}

	id := &identity.ServiceIdentity{
		Principal:  evaluateFlags.principal,
		Namespace:  evaluateFlags.namespace,
		Labels:     parseLabelFlag(evaluateFlags.labels),
		AuthMethod: identity.AuthToken,
		Subject:    fmt.Sprintf("system:serviceaccount:%s:%s", evaluateFlags.namespace, evaluateFlags.principal),
	}
	req := engine.Request{
		Backend:    evaluateFlags.backend,
		SecretName: evaluateFlags.secret,
		Key:        evaluateFlags.key,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ev, err := evaluateOffline(ctx, evaluateFlags.policies, id, req, at, evaluateFlags.trace)
	if err != nil {
		return cli.NewCommandError("evaluate", err)
	}
	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), ev); err != nil {
		return err
	}
	return decisionExit(cmd.ErrOrStderr(), ev.Decision)
}

// evaluateOffline loads the policy set at path and decides req at the given
// instant.
func evaluateOffline(ctx context.Context, path string, id *identity.ServiceIdentity, req engine.Request, at time.Time, trace bool) (*evaluation, error) {
	snap, err := source.LoadPath(path, "file:"+path)
	if err != nil {
		return nil, err
	}
	st := store.New()
	if err := st.Swap(snap); err != nil {
		return nil, err
	}

	cfg := engine.DefaultConfig().
		WithTrace(trace).
		WithClock(func() time.Time { return at })
	eval, err := engine.New(cfg, st, nil, nil)
	if err != nil {
		return nil, err
	}
	d, err := eval.Evaluate(ctx, id, req)
	if err != nil {
		return nil, err
	}
	return &evaluation{Identity: id, Request: req, Decision: d}, nil
}

// decisionExit turns a non-allow decision into an error carrying the
// matching exit code.
func decisionExit(w io.Writer, d *engine.Decision) error {
	switch {
	case d.Allowed():
		cli.NewStatus(w).OK("Access allowed")
		return nil
	case d.Pending():
		cli.NewStatus(w).Warn("Access pending approval")
		return &cli.APIError{StatusCode: http.StatusAccepted, Type: "approval_pending", Code: string(d.Kind), Message: d.Reason}
	default:
		cli.NewStatus(w).Fail("Access denied")
		return &cli.APIError{StatusCode: http.StatusForbidden, Type: "forbidden", Code: string(d.Kind), Message: d.Reason}
	}
}

// parseLabelFlag parses "k=v,k2=v2". Malformed pairs are skipped.
func parseLabelFlag(v string) map[string]string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		labels[k] = strings.TrimSpace(val)
	}
	return labels
}
