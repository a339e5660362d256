package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/secretsrouter/pkg/cli"
	"mercator-hq/secretsrouter/pkg/config"
	"mercator-hq/secretsrouter/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the secrets router server",
	Long: `Start the secrets router with the specified configuration.

The server listens on the configured address and answers
GET /secrets/{name}/{key} for authenticated workloads, plus the approval,
health and metrics endpoints.

Examples:
  # Start from environment variables only
  secrets-router run

  # Start with a config file
  secrets-router run --config /etc/secrets-router/config.yaml

  # Override listen address
  secrets-router run --listen 0.0.0.0:8443

  # Validate config and build every component without serving
  secrets-router run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "build every component, then exit without serving")
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(cfgFile); err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	cfg := config.GetConfig()

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	pinnedLevel := runFlags.logLevel != "" || verbose
	switch {
	case runFlags.logLevel != "":
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	case verbose:
		cfg.Telemetry.Logging.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError("", err.Error())
	}

	level := new(slog.LevelVar)
	logger, err := logging.NewWithLevel(cfg.Telemetry.Logging, os.Stderr, level)
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	slog.SetDefault(logger)

	status := cli.NewStatus(cmd.OutOrStdout())
	printBanner(cmd, cfg)

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	if snap := a.policies.Snapshot(); snap != nil {
		status.OK("Policies loaded (%s)", snap.Summary())
	} else {
		status.Warn("No policy snapshot loaded, every read will be denied until one is")
	}
	status.OK("Backends configured: %v", a.router.Names())
	status.OK("Audit storage: %s", cfg.Audit.Storage)
	if a.detector == nil {
		status.Warn("Anomaly scoring disabled")
	}

	if runFlags.dryRun {
		status.OK("Configuration valid")
		return nil
	}

	a.runBackground(ctx)
	srv := a.newServer()

	config.OnReload(reloadHook(level, pinnedLevel))
	go reloadLoop(ctx, cli.NotifyReload(ctx), cfgFile)

	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	fmt.Fprintln(cmd.OutOrStdout())
	status.OK("Server listening on %s", cfg.Server.ListenAddress)
	status.OK("Health endpoints: %s://%s/healthz, /readyz", scheme, cfg.Server.ListenAddress)
	status.OK("Metrics endpoint: %s://%s%s", scheme, cfg.Server.ListenAddress, cfg.Telemetry.Metrics.Path)
	fmt.Fprintln(cmd.OutOrStdout(), "\nPress Ctrl+C to stop, send SIGHUP to reload the log level")

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	status.OK("Server stopped")
	return nil
}

func printBanner(cmd *cobra.Command, cfg *config.Config) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "secrets-router %s\n", Version)
	if cfgFile != "" {
		fmt.Fprintf(w, "Loading configuration from: %s\n", cfgFile)
	} else {
		fmt.Fprintln(w, "Loading configuration from environment")
	}

	slog.Debug("policy source", "mode", cfg.Policy.Mode, "path", cfg.Policy.FilePath, "repository", cfg.Policy.Git.Repository)
	slog.Debug("approval workflow", "mode", cfg.Approval.Mode, "storage", cfg.Approval.Storage)
	slog.Debug("rate limiter", "backend", cfg.Limits.Backend)
}

// reloadHook follows telemetry.logging.level on reload unless the level was
// set on the command line. Other changed sections are reported and need a
// restart.
func reloadHook(level *slog.LevelVar, pinned bool) config.ReloadHook {
	return func(prev, next *config.Config) {
		if !pinned {
			lv, err := logging.ParseLevel(next.Telemetry.Logging.Level)
			if err == nil && lv != level.Level() {
				level.Set(lv)
				slog.Info("log level changed", "level", lv.String())
			}
		}

		var restart []string
		for _, section := range config.ChangedSections(prev, next) {
			if section == "telemetry" && onlyLevelChanged(prev, next) {
				continue
			}
			restart = append(restart, section)
		}
		if len(restart) > 0 {
			slog.Warn("configuration changes need a restart", "sections", restart)
		}
	}
}

func onlyLevelChanged(prev, next *config.Config) bool {
	if prev == nil {
		return false
	}
	a, b := prev.Telemetry, next.Telemetry
	a.Logging.Level, b.Logging.Level = "", ""
	return config.ChangedSections(&config.Config{Telemetry: a}, &config.Config{Telemetry: b}) == nil
}

// reloadLoop rereads path for every value on ch until ctx is done. A failed
// reload keeps the running configuration.
func reloadLoop(ctx context.Context, ch <-chan struct{}, path string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if _, err := config.ReloadConfig(path); err != nil {
				slog.Error("configuration reload failed", "error", err)
				continue
			}
			slog.Info("configuration reloaded", "path", path)
		}
	}
}
