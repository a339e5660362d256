package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"mercator-hq/secretsrouter/pkg/cli"
	"mercator-hq/secretsrouter/pkg/config"
	"mercator-hq/secretsrouter/pkg/policy"
	"mercator-hq/secretsrouter/pkg/policy/engine"
	"mercator-hq/secretsrouter/pkg/policy/source"
	"mercator-hq/secretsrouter/pkg/policy/store"
)

var validateFlags struct {
	policies string
	format   string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and policies",
	Long: `Load the configuration and the policy source and report every problem.

The policy set is checked the same way a reload is: documents must decode,
IDs must be unique, patterns and conditions must be well formed and every
rego module must compile. A snapshot that fails here would be rejected by a
running router, which keeps serving its last good snapshot.

Examples:
  # Validate the configured policy source
  secrets-router validate --config config.yaml

  # Validate a local policy directory without a config file
  secrets-router validate --policies ./policies

  # Machine-readable summary
  secrets-router validate --policies ./policies --format json`,
	RunE: validatePolicies,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFlags.policies, "policies", "p", "", "policy file or directory (overrides the configured source)")
	validateCmd.Flags().StringVar(&validateFlags.format, "format", "table", "output format: table, json")
}

// validationReport summarizes a policy snapshot that passed validation.
type validationReport struct {
	Version  string   `json:"version"`
	Source   string   `json:"source"`
	Policies []string `json:"policies"`
	Groups   []string `json:"groups"`
	Backends []string `json:"backends"`
}

// Table implements cli.Tabular.
func (r *validationReport) Table() *cli.Table {
	t := &cli.Table{Headers: []string{"KIND", "ID"}}
	for _, id := range r.Policies {
		t.Append("Policy", id)
	}
	for _, id := range r.Groups {
		t.Append("SecretAccessGroup", id)
	}
	return t
}

func validatePolicies(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(validateFlags.format)
	if err != nil {
		return cli.NewConfigError("format", err.Error())
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var snap *policy.Snapshot
	if validateFlags.policies != "" {
		snap, err = source.LoadPath(validateFlags.policies, "file:"+validateFlags.policies)
	} else {
		cfg, cerr := config.LoadConfigWithEnvOverrides(cfgFile)
		if cerr != nil {
			return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", cerr))
		}
		cli.NewStatus(cmd.ErrOrStderr()).OK("Configuration valid")
		snap, err = loadConfiguredPolicies(ctx, &cfg.Policy)
	}
	if err != nil {
		return cli.NewCommandError("validate", err)
	}

	report, err := checkSnapshot(ctx, snap)
	if err != nil {
		return cli.NewCommandError("validate", err)
	}
	return writeValidation(cmd.OutOrStdout(), cmd.ErrOrStderr(), format, report)
}

// loadConfiguredPolicies reads the configured policy source once.
func loadConfiguredPolicies(ctx context.Context, cfg *config.PolicyConfig) (*policy.Snapshot, error) {
	src, err := newPolicySource(cfg)
	if err != nil {
		return nil, err
	}
	return src.Load(ctx)
}

// checkSnapshot runs the checks a reload would and compiles rego
// conditions.
func checkSnapshot(ctx context.Context, snap *policy.Snapshot) (*validationReport, error) {
	st := store.New()
	if err := st.Swap(snap); err != nil {
		return nil, err
	}
	eval, err := engine.New(nil, st, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := eval.Prepare(ctx, snap); err != nil {
		return nil, err
	}

	report := &validationReport{Version: snap.Version, Source: snap.Source}
	backends := make(map[string]bool)
	for _, p := range snap.Policies {
		report.Policies = append(report.Policies, p.ID)
		for _, r := range p.Rules {
			if r.Backend != "" && r.Backend != policy.AnyBackend {
				backends[r.Backend] = true
			}
		}
	}
	for _, g := range snap.Groups {
		report.Groups = append(report.Groups, g.ID)
		for _, ref := range g.Secrets {
			if ref.Backend != "" && ref.Backend != policy.AnyBackend {
				backends[ref.Backend] = true
			}
		}
	}
	for b := range backends {
		report.Backends = append(report.Backends, b)
	}
	sort.Strings(report.Policies)
	sort.Strings(report.Groups)
	sort.Strings(report.Backends)
	return report, nil
}

func writeValidation(out, status io.Writer, format cli.OutputFormat, report *validationReport) error {
	if format == cli.FormatJSON {
		return cli.NewFormatter(format).FormatTo(out, report)
	}
	s := cli.NewStatus(status)
	s.OK("Policies valid: %d policies, %d groups (version %s)", len(report.Policies), len(report.Groups), report.Version)
	if len(report.Backends) > 0 {
		s.OK("Backends referenced: %v", report.Backends)
	}
	return cli.NewFormatter(format).FormatTo(out, report)
}
