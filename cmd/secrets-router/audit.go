package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/secretsrouter/pkg/audit"
	"mercator-hq/secretsrouter/pkg/audit/retention"
	"mercator-hq/secretsrouter/pkg/cli"
	"mercator-hq/secretsrouter/pkg/config"
)

var auditFlags struct {
	storage   string
	requestID string
	principal string
	namespace string
	secret    string
	decision  string
	backend   string
	outcome   string
	timeRange string
	since     time.Duration
	limit     int
	offset    int
	ascending bool
	count     bool
	format    string
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and maintain the audit trail",
	Long: `Query or prune the audit records of the configured storage.

The storage is read directly, so this works while the router is stopped.
Only persistent stores (sqlite, postgres) can be queried.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit records",
	Long: `Query audit records, newest first.

Examples:
  # Last 50 denials for one caller
  secrets-router audit query --principal frontend-sa --decision deny --limit 50

  # Everything in a time range, oldest first
  secrets-router audit query \
      --time-range 2025-11-19T00:00:00Z/2025-11-20T00:00:00Z --asc

  # Records from the last hour, as JSON
  secrets-router audit query --since 1h --format json

  # Number of failed backend reads
  secrets-router audit query --outcome unavailable --count`,
	Args: cobra.NoArgs,
	RunE: queryAudit,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy once",
	Long: `Delete records older than audit.retention.days and, when
audit.retention.max_records is set, the oldest records above that count.`,
	Args: cobra.NoArgs,
	RunE: pruneAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd, auditPruneCmd)

	auditCmd.PersistentFlags().StringVar(&auditFlags.storage, "storage", "", "storage: sqlite, postgres (uses config if not specified)")

	f := auditQueryCmd.Flags()
	f.StringVar(&auditFlags.requestID, "request-id", "", "filter by request ID")
	f.StringVar(&auditFlags.principal, "principal", "", "filter by caller principal")
	f.StringVar(&auditFlags.namespace, "namespace", "", "filter by secret namespace")
	f.StringVar(&auditFlags.secret, "secret", "", "filter by secret name")
	f.StringVar(&auditFlags.decision, "decision", "", "filter by decision: allow, deny, pending_approval")
	f.StringVar(&auditFlags.backend, "backend", "", "filter by backend")
	f.StringVar(&auditFlags.outcome, "outcome", "", "filter by outcome: success, denied, pending, not_found, unavailable, error")
	f.StringVar(&auditFlags.timeRange, "time-range", "", "RFC 3339 interval start/end")
	f.DurationVar(&auditFlags.since, "since", 0, "only records newer than this duration")
	f.IntVar(&auditFlags.limit, "limit", 100, "maximum number of records (0 for all)")
	f.IntVar(&auditFlags.offset, "offset", 0, "records to skip")
	f.BoolVar(&auditFlags.ascending, "asc", false, "oldest first")
	f.BoolVar(&auditFlags.count, "count", false, "print the number of matching records only")
	f.StringVar(&auditFlags.format, "format", "table", "output format: table, json")
}

func queryAudit(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(auditFlags.format)
	if err != nil {
		return cli.NewConfigError("format", err.Error())
	}
	q, err := buildAuditQuery(time.Now())
	if err != nil {
		return err
	}

	st, err := openAuditStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if auditFlags.count {
		n, err := st.Count(ctx, q)
		if err != nil {
			return cli.NewCommandError("audit query", fmt.Errorf("count failed: %w", err))
		}
		if format == cli.FormatJSON {
			return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), map[string]int64{"count": n})
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	}

	records, err := st.Query(ctx, q)
	if err != nil {
		return cli.NewCommandError("audit query", fmt.Errorf("query failed: %w", err))
	}
	if records == nil {
		records = []*audit.Record{}
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), recordTable(records))
}

func pruneAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	st, err := openAuditStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pruner := retention.NewPruner(st, &retention.Config{
		RetentionDays: cfg.Audit.Retention.Days,
		MaxRecords:    cfg.Audit.Retention.MaxRecords,
	})
	n, err := pruner.Prune(ctx)
	if err != nil {
		return cli.NewCommandError("audit prune", err)
	}
	cli.NewStatus(cmd.OutOrStdout()).OK("Pruned %d audit records", n)
	return nil
}

// buildAuditQuery turns the query flags into an audit.Query.
func buildAuditQuery(now time.Time) (*audit.Query, error) {
	q := &audit.Query{
		RequestID:  auditFlags.requestID,
		Principal:  auditFlags.principal,
		Namespace:  auditFlags.namespace,
		SecretName: auditFlags.secret,
		Decision:   auditFlags.decision,
		Backend:    auditFlags.backend,
		Outcome:    audit.Outcome(auditFlags.outcome),
		Limit:      auditFlags.limit,
		Offset:     auditFlags.offset,
	}
	if auditFlags.ascending {
		q.SortOrder = "asc"
	}

	if auditFlags.timeRange != "" && auditFlags.since > 0 {
		return nil, cli.NewConfigError("time-range", "--time-range and --since are mutually exclusive")
	}
	if auditFlags.timeRange != "" {
		start, end, err := parseTimeRange(auditFlags.timeRange)
		if err != nil {
			return nil, cli.NewConfigError("time-range", err.Error())
		}
		q.StartTime, q.EndTime = &start, &end
	}
	if auditFlags.since > 0 {
		start := now.Add(-auditFlags.since)
		q.StartTime = &start
	}
	return q, nil
}

// parseTimeRange parses "start/end" in RFC 3339.
func parseTimeRange(s string) (time.Time, time.Time, error) {
	from, to, ok := strings.Cut(s, "/")
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid time range format (expected: start/end)")
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end time %s is before start time %s", to, from)
	}
	return start, end, nil
}

// openAuditStorage opens the storage named by --storage or the config.
func openAuditStorage() (audit.Storage, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	if auditFlags.storage != "" {
		cfg.Audit.Storage = auditFlags.storage
	}
	switch cfg.Audit.Storage {
	case "sqlite", "postgres":
	default:
		return nil, cli.NewConfigError("audit.storage", fmt.Sprintf("storage %q cannot be queried (supported: sqlite, postgres)", cfg.Audit.Storage))
	}
	st, err := newAuditStorage(&cfg.Audit)
	if err != nil {
		return nil, cli.NewCommandError("audit", err)
	}
	return st, nil
}

// recordList renders audit records as rows.
type recordList []*audit.Record

func recordTable(records []*audit.Record) recordList {
	return recordList(records)
}

// Table implements cli.Tabular.
func (l recordList) Table() *cli.Table {
	t := &cli.Table{Headers: []string{"TIME", "CALLER", "SECRET", "DECISION", "OUTCOME", "POLICY", "BACKEND", "RISK", "STATUS"}}
	for _, r := range l {
		t.Append(
			r.Timestamp.UTC().Format(time.RFC3339),
			r.IdentityNamespace+"/"+r.Principal,
			r.SecretName+"/"+r.SecretKey,
			r.Decision,
			string(r.Outcome),
			r.MatchedPolicy,
			r.Backend,
			strconv.Itoa(r.RiskScore),
			strconv.Itoa(r.StatusCode),
		)
	}
	return t
}
