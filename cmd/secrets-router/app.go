package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mercator-hq/secretsrouter/pkg/anomaly"
	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/audit"
	"mercator-hq/secretsrouter/pkg/audit/retention"
	"mercator-hq/secretsrouter/pkg/audit/storage"
	"mercator-hq/secretsrouter/pkg/backend"
	"mercator-hq/secretsrouter/pkg/broker"
	"mercator-hq/secretsrouter/pkg/config"
	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/limits/ratelimit"
	"mercator-hq/secretsrouter/pkg/policy/engine"
	"mercator-hq/secretsrouter/pkg/policy/source"
	"mercator-hq/secretsrouter/pkg/policy/store"
	"mercator-hq/secretsrouter/pkg/server"
	"mercator-hq/secretsrouter/pkg/telemetry/health"
	"mercator-hq/secretsrouter/pkg/telemetry/metrics"
	"mercator-hq/secretsrouter/pkg/telemetry/tracing"
)

// app holds the wired components of a running router.
type app struct {
	cfg *config.Config

	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	health   *health.Checker
	policies *store.Store
	source   source.Source
	cache    *identity.Cache
	limiter  ratelimit.Limiter
	detector *anomaly.Detector
	workflow *approval.Workflow
	router   *backend.Router
	audit    *audit.Logger
	pruner   *retention.Pruner
	broker   *broker.Broker

	// closers run in reverse order on shutdown.
	closers []func(context.Context) error
	logger  *slog.Logger
}

// newApp builds every component from cfg. On error, whatever was already
// built is closed.
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{
		cfg:    cfg,
		logger: slog.Default().With("component", "app"),
	}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
			a = nil
		}
	}()

	a.metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
	a.tracer, err = tracing.New(&cfg.Telemetry.Tracing, cfg.Server.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.onClose(a.tracer.Shutdown)
	a.health = health.New(cfg.Server.ServiceName, cfg.Server.Version, cfg.Telemetry.Health.CheckTimeout)

	if err := a.buildPolicies(ctx); err != nil {
		return nil, err
	}
	resolver, err := a.buildResolver()
	if err != nil {
		return nil, err
	}
	if err := a.buildLimiter(); err != nil {
		return nil, err
	}
	if err := a.buildDetector(); err != nil {
		return nil, err
	}

	evalCfg := engine.DefaultConfig().
		WithPrincipalLimit(cfg.Limits.PrincipalLimit.Count, cfg.Limits.PrincipalLimit.Period).
		WithTrace(cfg.Policy.EnableTrace)
	evalCfg.AnomalyThreshold = cfg.Policy.AnomalyThreshold
	evalCfg.DefaultApprovalTimeout = cfg.Approval.DefaultTimeout
	var scorer engine.RiskScorer
	if a.detector != nil {
		scorer = a.detector
	}
	evaluator, err := engine.New(evalCfg, a.policies, a.limiter, scorer)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy evaluator: %w", err)
	}
	prepare := func(version string, err error) {
		if err != nil {
			return
		}
		if err := evaluator.Prepare(ctx, a.policies.Snapshot()); err != nil {
			a.logger.Warn("policy snapshot has rego conditions that do not compile", "version", version, "error", err)
		}
	}
	prepare(a.policies.Version(), nil)
	a.policies.OnReload(prepare)

	if err := a.buildApprovals(ctx); err != nil {
		return nil, err
	}
	if err := a.buildRouter(ctx); err != nil {
		return nil, err
	}
	if err := a.buildAudit(); err != nil {
		return nil, err
	}

	opts := []broker.Option{
		broker.WithApprovals(a.workflow),
		broker.WithMetrics(a.metrics),
		broker.WithTracer(a.tracer),
	}
	if a.detector != nil {
		opts = append(opts, broker.WithObserver(a.detector))
	}
	a.broker, err = broker.New(broker.Config{
		ApprovalMode: cfg.Approval.Mode,
		ApprovalWait: cfg.Approval.WaitTimeout,
	}, resolver, evaluator, a.router, a.audit, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases components in reverse construction order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) buildPolicies(ctx context.Context) error {
	a.policies = store.New()
	a.policies.OnReload(func(version string, err error) {
		n := 0
		if snap := a.policies.Snapshot(); snap != nil {
			n = len(snap.Policies)
		}
		a.metrics.RecordPolicyReload(err == nil, n)
	})

	src, err := newPolicySource(&a.cfg.Policy)
	if err != nil {
		return err
	}
	a.source = src

	// A broken initial load is not fatal: the store stays empty, every
	// request is denied and /readyz reports not ready until a good
	// snapshot arrives.
	if err := source.Publish(ctx, src, a.policies); err != nil {
		a.logger.Error("initial policy load failed", "error", err)
	}
	a.health.RegisterCheck("policies", func(context.Context) error {
		if !a.policies.Loaded() {
			return errors.New("no policy snapshot loaded")
		}
		return nil
	})
	return nil
}

func newPolicySource(cfg *config.PolicyConfig) (source.Source, error) {
	switch cfg.Mode {
	case "git":
		src, err := source.NewGitSource(source.GitConfig{
			Repository:   cfg.Git.Repository,
			Branch:       cfg.Git.Branch,
			Path:         cfg.Git.Path,
			LocalPath:    cfg.Git.LocalPath,
			Depth:        cfg.Git.Depth,
			PollInterval: cfg.Git.PollInterval,
			Timeout:      cfg.Git.Timeout,
			Auth: source.GitAuth{
				Type:          cfg.Git.Auth.Type,
				Token:         cfg.Git.Auth.Token,
				SSHKeyPath:    cfg.Git.Auth.SSHKeyPath,
				SSHPassphrase: cfg.Git.Auth.SSHPassphrase,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create git policy source: %w", err)
		}
		return src, nil
	default:
		return source.NewFileSource(cfg.FilePath, cfg.Debounce), nil
	}
}

func (a *app) buildResolver() (*identity.Resolver, error) {
	cfg := &a.cfg.Identity

	var chain identity.AuthorityChain
	if cfg.JWT.Enabled {
		v, err := identity.NewJWTVerifier(identity.JWTConfig{
			Issuer:         cfg.JWT.Issuer,
			Audience:       cfg.JWT.Audience,
			HMACSecret:     cfg.JWT.HMACSecret,
			PublicKeyFiles: cfg.JWT.PublicKeyFiles,
			Leeway:         cfg.JWT.Leeway,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT verifier: %w", err)
		}
		chain = append(chain, v)
	}
	if cfg.TokenReview.Enabled {
		r, err := identity.NewTokenReviewer(identity.TokenReviewConfig{
			APIServer: cfg.TokenReview.APIServer,
			CAFile:    cfg.TokenReview.CAFile,
			TokenFile: cfg.TokenReview.TokenFile,
			Audiences: cfg.TokenReview.Audiences,
			Timeout:   cfg.TokenReview.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create token reviewer: %w", err)
		}
		chain = append(chain, r)
	}

	var tokens identity.TokenAuthority
	switch len(chain) {
	case 0:
	case 1:
		tokens = chain[0]
	default:
		tokens = chain
	}

	var certs *identity.CertificateVerifier
	if cfg.MTLS.Enabled {
		var err error
		certs, err = identity.NewCertificateVerifier(identity.CertificateConfig{
			TrustDomain:     cfg.MTLS.TrustDomain,
			IdentitySource:  cfg.MTLS.IdentitySource,
			NamespaceSource: cfg.MTLS.NamespaceSource,
			CAFile:          cfg.MTLS.CAFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create certificate verifier: %w", err)
		}
	}

	a.cache = identity.NewCache(cfg.CacheTTL, cfg.CacheSize)
	a.metrics.WatchIdentityCache(a.cache)
	return identity.NewResolver(tokens, certs, a.cache), nil
}

func (a *app) buildLimiter() error {
	cfg := &a.cfg.Limits
	switch cfg.Backend {
	case "redis":
		rl, err := ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis rate limiter: %w", err)
		}
		a.limiter = rl
		a.onClose(func(context.Context) error { return rl.Close() })
		a.health.RegisterCheck("ratelimit:redis", rl.Ping)
	default:
		ml := ratelimit.NewMemoryLimiter(cfg.SweepInterval)
		a.limiter = ml
		a.onClose(func(context.Context) error { return ml.Close() })
	}
	return nil
}

func (a *app) buildDetector() error {
	cfg := &a.cfg.Anomaly
	if !config.BoolValue(cfg.Enabled, config.DefaultAnomalyEnabled) {
		return nil
	}
	d, err := anomaly.NewDetector(anomaly.Config{
		Window:          cfg.Window,
		WarmupRequests:  cfg.WarmupRequests,
		BurstWindow:     cfg.BurstWindow,
		BurstThreshold:  cfg.BurstThreshold,
		DenialThreshold: cfg.DenialThreshold,
		MaxProfiles:     cfg.MaxProfiles,
		Weights: anomaly.Weights{
			NewSecret:   cfg.Weights.NewSecret,
			UnusualHour: cfg.Weights.UnusualHour,
			Burst:       cfg.Weights.Burst,
			Denials:     cfg.Weights.Denials,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create anomaly detector: %w", err)
	}
	a.detector = d
	return nil
}

func (a *app) buildApprovals(ctx context.Context) error {
	cfg := &a.cfg.Approval

	var st approval.Store
	switch cfg.Storage {
	case "sqlite":
		s, err := approval.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open approval store: %w", err)
		}
		st = s
	default:
		st = approval.NewMemoryStore()
	}
	a.onClose(func(context.Context) error { return st.Close() })

	notifiers := approval.MultiNotifier{approval.NewLogNotifier()}
	if cfg.Webhook.URL != "" {
		wh, err := approval.NewWebhookNotifier(approval.WebhookConfig{
			URL:         cfg.Webhook.URL,
			Headers:     cfg.Webhook.Headers,
			Timeout:     cfg.Webhook.Timeout,
			MaxAttempts: cfg.Webhook.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("failed to create approval webhook: %w", err)
		}
		notifiers = append(notifiers, wh)
	}

	a.workflow = approval.NewWorkflow(approval.Config{
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		NotifyTimeout:  cfg.NotifyTimeout,
	},
		approval.WithStore(st),
		approval.WithNotifier(notifiers),
		approval.WithTransitionHook(func(from, to approval.State, _ *approval.Request) {
			a.metrics.RecordApprovalTransition(string(from), string(to))
		}),
	)
	a.onClose(func(context.Context) error { return a.workflow.Close() })

	n, err := a.workflow.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover approval requests: %w", err)
	}
	if n > 0 {
		a.logger.Info("recovered pending approval requests", "count", n)
	}
	return nil
}

func (a *app) buildRouter(ctx context.Context) error {
	cfg := &a.cfg.Backends
	daprEndpoint := fmt.Sprintf("http://localhost:%d", cfg.DaprHTTPPort)
	daprClient := a.tracer.InstrumentClient(&http.Client{Timeout: cfg.Timeout})

	backends := make([]backend.Backend, 0, len(cfg.Stores))
	for _, sc := range cfg.Stores {
		b, err := newBackend(ctx, sc, daprEndpoint, daprClient)
		if err != nil {
			return fmt.Errorf("backend %q: %w", sc.Name, err)
		}
		backends = append(backends, b)
	}

	router, err := backend.NewRouter(backend.RouterConfig{
		Fallback:        cfg.Fallback,
		Timeout:         cfg.Timeout,
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}, backends...)
	if err != nil {
		return fmt.Errorf("failed to create backend router: %w", err)
	}
	router.Observe(a.metrics.RecordBackendRequest)
	a.router = router

	for _, b := range backends {
		b := b
		a.health.RegisterCheck("backend:"+b.Name(), func(ctx context.Context) error {
			err := b.Ready(ctx)
			a.metrics.UpdateBackendHealth(b.Name(), err == nil)
			return err
		})
	}
	return nil
}

// newBackend builds one store. Dapr stores without an endpoint use the
// local sidecar and share the instrumented client.
func newBackend(ctx context.Context, sc config.BackendConfig, daprEndpoint string, daprClient *http.Client) (backend.Backend, error) {
	endpoint := sc.Endpoint
	if endpoint == "" {
		endpoint = daprEndpoint
	}
	return backend.NewBackend(ctx, backend.Config{
		Name:                    sc.Name,
		Type:                    sc.Type,
		Endpoint:                endpoint,
		Store:                   sc.Store,
		Namespaced:              sc.Namespaced,
		Client:                  daprClient,
		Region:                  sc.Region,
		AWSEndpoint:             sc.AWSEndpoint,
		AccessKeyID:             sc.AccessKeyID,
		SecretAccessKey:         sc.SecretAccessKey,
		Prefix:                  sc.Prefix,
		ProjectID:               sc.ProjectID,
		CredentialsFile:         sc.CredentialsFile,
		VaultURL:                sc.VaultURL,
		TenantID:                sc.TenantID,
		ClientID:                sc.ClientID,
		ClientSecret:            sc.ClientSecret,
		ManagedIdentityClientID: sc.ManagedIdentityClientID,
		Secrets:                 sc.Secrets,
	})
}

func (a *app) buildAudit() error {
	cfg := &a.cfg.Audit
	st, err := newAuditStorage(cfg)
	if err != nil {
		return err
	}
	if st != nil {
		a.onClose(func(context.Context) error { return st.Close() })
	}

	a.audit = audit.NewLogger(st, &audit.Config{
		AsyncBuffer:  cfg.AsyncBuffer,
		WriteTimeout: cfg.WriteTimeout,
	}, audit.WithMetrics(a.metrics))
	a.onClose(a.audit.Close)

	if st != nil && cfg.Retention.PruneSchedule != "" {
		a.pruner = retention.NewPruner(st, &retention.Config{
			RetentionDays: cfg.Retention.Days,
			MaxRecords:    cfg.Retention.MaxRecords,
			PruneSchedule: cfg.Retention.PruneSchedule,
		})
	}
	return nil
}

// newAuditStorage opens the configured store. "none" returns nil: records
// go to the structured event log only.
func newAuditStorage(cfg *config.AuditConfig) (audit.Storage, error) {
	switch cfg.Storage {
	case "none":
		return nil, nil
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "postgres":
		st, err := storage.NewPostgresStorage(storage.PostgresConfig{
			DSN:          cfg.Postgres.DSN,
			AutoMigrate:  config.BoolValue(cfg.Postgres.AutoMigrate, true),
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres audit storage: %w", err)
		}
		return st, nil
	default:
		st, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
			Path:         cfg.SQLite.Path,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			MaxIdleConns: cfg.SQLite.MaxIdleConns,
			BusyTimeout:  cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite audit storage: %w", err)
		}
		return st, nil
	}
}

// newServer binds the broker to the HTTP server.
func (a *app) newServer() *server.Server {
	return server.NewServer(&a.cfg.Server, a.broker,
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics, a.cfg.Telemetry.Metrics.Path),
		server.WithTracer(a.tracer),
		server.WithTrustHeaders(config.BoolValue(a.cfg.Identity.TrustHeaders, config.DefaultIdentityTrustHeaders)),
	)
}

// runBackground starts the policy watcher, the retention scheduler and the
// anomaly profile pruner. They stop when ctx is canceled.
func (a *app) runBackground(ctx context.Context) {
	if config.BoolValue(a.cfg.Policy.Watch, config.DefaultPolicyWatch) || a.cfg.Policy.Mode == "git" {
		go func() {
			if err := a.source.Watch(ctx, a.policies); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	if a.pruner != nil {
		a.pruner.OnPruned(a.metrics.RecordAuditPruned)
		sched := retention.NewScheduler(a.pruner)
		if err := sched.Start(ctx); err != nil {
			a.logger.Warn("failed to start audit retention scheduler", "error", err)
		} else {
			a.onClose(func(context.Context) error { sched.Stop(); return nil })
			if next := sched.NextRun(); next != nil {
				a.logger.Debug("audit retention scheduler started", "next_run", next)
			}
		}
	}

	if a.detector != nil {
		interval := a.cfg.Anomaly.PruneInterval
		if interval <= 0 {
			interval = time.Hour
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if n := a.detector.Prune(now); n > 0 {
						a.logger.Debug("pruned idle anomaly profiles", "count", n)
					}
				}
			}
		}()
	}
}
