package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/cli"
)

// tokenEnv supplies the approver token when --token is not set.
const tokenEnv = "SECRETS_ROUTER_TOKEN"

var approvalsFlags struct {
	server    string
	token     string
	format    string
	state     string
	principal string
	group     string
	limit     int
	comment   string
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review and decide approval requests",
	Long: `List, inspect and decide approval requests on a running secrets router.

Requests authenticate with the approver's own service account token, taken
from --token or the SECRETS_ROUTER_TOKEN environment variable. Only the
requester and the listed approvers can see a request; only approvers can
decide it.

Examples:
  # Pending requests
  secrets-router approvals list --server https://secrets-router:8080

  # One request
  secrets-router approvals get ap-3f2c

  # Decide
  secrets-router approvals approve ap-3f2c --comment "change ticket 42"
  secrets-router approvals deny ap-3f2c --comment "not during freeze"`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApprovalClient(cmd, func(ctx context.Context, c *cli.Client, f cli.Formatter) error {
			state := approval.State(strings.ToLower(approvalsFlags.state))
			if approvalsFlags.state == "all" {
				state = ""
			}
			if state != "" && !state.Valid() {
				return cli.NewConfigError("state", fmt.Sprintf("unknown state %q (pending, approved, denied, expired, all)", approvalsFlags.state))
			}
			list, err := c.ListApprovals(ctx, approval.Filter{
				State:     state,
				Principal: approvalsFlags.principal,
				Group:     approvalsFlags.group,
				Limit:     approvalsFlags.limit,
			})
			if err != nil {
				return err
			}
			return f.FormatTo(cmd.OutOrStdout(), approvalTable(list))
		})
	},
}

var approvalsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApprovalClient(cmd, func(ctx context.Context, c *cli.Client, f cli.Formatter) error {
			r, err := c.GetApproval(ctx, args[0])
			if err != nil {
				return err
			}
			return f.FormatTo(cmd.OutOrStdout(), approvalDetail{r})
		})
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  decideApproval(true),
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  decideApproval(false),
}

func init() {
	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsListCmd, approvalsGetCmd, approvalsApproveCmd, approvalsDenyCmd)

	pf := approvalsCmd.PersistentFlags()
	pf.StringVarP(&approvalsFlags.server, "server", "s", "http://localhost:8080", "secrets router base URL")
	pf.StringVar(&approvalsFlags.token, "token", "", "approver bearer token (default $"+tokenEnv+")")
	pf.StringVar(&approvalsFlags.format, "format", "table", "output format: table, json")

	approvalsListCmd.Flags().StringVar(&approvalsFlags.state, "state", "pending", "filter by state: pending, approved, denied, expired, all")
	approvalsListCmd.Flags().StringVar(&approvalsFlags.principal, "principal", "", "filter by requesting principal")
	approvalsListCmd.Flags().StringVar(&approvalsFlags.group, "group", "", "filter by group")
	approvalsListCmd.Flags().IntVar(&approvalsFlags.limit, "limit", 0, "maximum number of requests")

	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsDenyCmd} {
		c.Flags().StringVarP(&approvalsFlags.comment, "comment", "m", "", "comment recorded with the decision")
	}
}

func decideApproval(approve bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApprovalClient(cmd, func(ctx context.Context, c *cli.Client, f cli.Formatter) error {
			decide := c.Deny
			if approve {
				decide = c.Approve
			}
			r, err := decide(ctx, args[0], approvalsFlags.comment)
			if err != nil {
				return err
			}
			cli.NewStatus(cmd.ErrOrStderr()).OK("Request %s %s by %s", r.ID, r.State, r.DecidedBy)
			return f.FormatTo(cmd.OutOrStdout(), approvalDetail{r})
		})
	}
}

// withApprovalClient builds the API client and formatter from flags.
func withApprovalClient(cmd *cobra.Command, fn func(context.Context, *cli.Client, cli.Formatter) error) error {
	format, err := cli.ParseFormat(approvalsFlags.format)
	if err != nil {
		return cli.NewConfigError("format", err.Error())
	}
	token := approvalsFlags.token
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	if token == "" {
		return cli.NewConfigError("token", "an approver token is required (--token or $"+tokenEnv+")")
	}
	c, err := cli.NewClient(approvalsFlags.server, token)
	if err != nil {
		return cli.NewConfigError("server", err.Error())
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := cli.SetupSignalHandler(ctx)
	defer cancel()
	return fn(ctx, c, cli.NewFormatter(format))
}

// approvalList renders as one row per request and as a JSON array.
type approvalList []*approval.Request

func approvalTable(list []*approval.Request) approvalList {
	if list == nil {
		list = []*approval.Request{}
	}
	return approvalList(list)
}

// Table implements cli.Tabular.
func (l approvalList) Table() *cli.Table {
	t := &cli.Table{Headers: []string{"ID", "STATE", "CALLER", "SECRET", "GROUP", "DEADLINE"}}
	for _, r := range l {
		t.Append(r.ID, string(r.State), r.Namespace+"/"+r.Principal, r.Secret+"/"+r.Key, r.GroupID, r.Deadline.UTC().Format(time.RFC3339))
	}
	return t
}

// approvalDetail renders one request field by field.
type approvalDetail struct {
	*approval.Request
}

// Table implements cli.Tabular.
func (d approvalDetail) Table() *cli.Table {
	r := d.Request
	t := &cli.Table{Headers: []string{"FIELD", "VALUE"}}
	t.Append("id", r.ID)
	t.Append("state", string(r.State))
	t.Append("caller", r.Namespace+"/"+r.Principal)
	t.Append("secret", r.Secret+"/"+r.Key)
	t.Append("group", r.GroupID)
	t.Append("approvers", strings.Join(r.Approvers, ","))
	if r.Reason != "" {
		t.Append("reason", r.Reason)
	}
	t.Append("created", r.CreatedAt.UTC().Format(time.RFC3339))
	t.Append("deadline", r.Deadline.UTC().Format(time.RFC3339))
	if r.State.Terminal() && r.DecidedBy != "" {
		t.Append("decided by", r.DecidedBy)
		t.Append("decided at", r.DecidedAt.UTC().Format(time.RFC3339))
	}
	if r.Comment != "" {
		t.Append("comment", r.Comment)
	}
	return t
}
