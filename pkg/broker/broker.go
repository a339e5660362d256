package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/secretsrouter/pkg/anomaly"
	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/audit"
	"mercator-hq/secretsrouter/pkg/backend"
	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/policy/engine"
	"mercator-hq/secretsrouter/pkg/telemetry/logging"
	"mercator-hq/secretsrouter/pkg/telemetry/tracing"
)

// IdentityResolver verifies caller credentials. *identity.Resolver
// implements it.
type IdentityResolver interface {
	Resolve(ctx context.Context, cred identity.Credentials) (*identity.ServiceIdentity, error)
}

// Evaluator decides requests. *engine.Evaluator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, id *identity.ServiceIdentity, req engine.Request) (*engine.Decision, error)

	// Admit charges the rate limits a pending decision deferred, once its
	// approval grants the read.
	Admit(ctx context.Context, d *engine.Decision) error
}

// SecretRouter fetches secret values. *backend.Router implements it.
type SecretRouter interface {
	Get(ctx context.Context, backendName, name, namespace, key string) (*backend.Result, error)
}

// Approvals is the approval workflow. *approval.Workflow implements it.
type Approvals interface {
	Submit(ctx context.Context, s approval.Subject) (*approval.Request, bool, error)
	Await(ctx context.Context, id string) (approval.State, error)
	Get(ctx context.Context, id string) (*approval.Request, error)
	List(ctx context.Context, f approval.Filter) ([]*approval.Request, error)
	Approve(ctx context.Context, id, approver, comment string) (*approval.Request, error)
	Deny(ctx context.Context, id, approver, comment string) (*approval.Request, error)
}

// Auditor records access attempts. *audit.Logger implements it.
type Auditor interface {
	Record(ctx context.Context, r *audit.Record) error
}

// AccessObserver learns from decided requests. *anomaly.Detector
// implements it.
type AccessObserver interface {
	Observe(ev anomaly.Event)
}

// Metrics receives decision outcomes. *metrics.Collector implements it.
type Metrics interface {
	RecordDecision(result, kind, policy string, duration time.Duration, risk int)
	RecordRateLimited(scope string)
}

// Option configures a Broker.
type Option func(*Broker)

// WithApprovals enables approval handling. Without it, decisions that
// require approval are refused.
func WithApprovals(a Approvals) Option {
	return func(b *Broker) { b.approvals = a }
}

// WithObserver feeds every decided request to o.
func WithObserver(o AccessObserver) Option {
	return func(b *Broker) { b.observer = o }
}

// WithMetrics reports decisions to m.
func WithMetrics(m Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithTracer records spans with t.
func WithTracer(t *tracing.Tracer) Option {
	return func(b *Broker) { b.tracer = t }
}

// WithClock replaces the clock used for latency and approval grants.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker runs the access pipeline: identity, policy, approval, backend,
// audit. Every call to Access produces exactly one audit record.
type Broker struct {
	cfg       Config
	resolver  IdentityResolver
	evaluator Evaluator
	router    SecretRouter
	auditor   Auditor

	approvals Approvals
	observer  AccessObserver
	metrics   Metrics
	tracer    *tracing.Tracer
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a broker.
func New(cfg Config, resolver IdentityResolver, evaluator Evaluator, router SecretRouter, auditor Auditor, opts ...Option) (*Broker, error) {
	if resolver == nil || evaluator == nil || router == nil || auditor == nil {
		return nil, errors.New("broker requires a resolver, evaluator, router and auditor")
	}
	def := DefaultConfig()
	if cfg.ApprovalMode == "" {
		cfg.ApprovalMode = def.ApprovalMode
	}
	if cfg.ApprovalMode != ApprovalModeWait && cfg.ApprovalMode != ApprovalModeAsync {
		return nil, fmt.Errorf("unknown approval mode %q", cfg.ApprovalMode)
	}
	if cfg.ApprovalWait <= 0 {
		cfg.ApprovalWait = def.ApprovalWait
	}

	b := &Broker{
		cfg:       cfg,
		resolver:  resolver,
		evaluator: evaluator,
		router:    router,
		auditor:   auditor,
		now:       time.Now,
		logger:    slog.Default().With("component", "broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Access authorizes and serves one secret read. On refusal the error is a
// *Error whose kind maps to the response status. The audit record is
// written before Access returns.
func (b *Broker) Access(ctx context.Context, req AccessRequest) (*AccessResult, error) {
	start := b.now()
	ctx, span := b.tracer.Start(ctx, "broker.access")
	defer span.End()
	tracing.SetSecretAttributes(span, req.Backend, req.SecretName, req.Key)

	rec := &audit.Record{
		RequestID:  req.RequestID,
		SecretName: req.SecretName,
		SecretKey:  req.Key,
		Namespace:  req.Namespace,
		Backend:    req.Backend,
	}

	res, err := b.access(ctx, req, rec)

	rec.Latency = b.now().Sub(start)
	rec.StatusCode = HTTPStatus(err)
	rec.Outcome = outcomeFor(err)
	if err != nil {
		rec.ErrorKind = string(KindOf(err))
		if rec.Decision == "" {
			rec.Decision = string(engine.ResultDeny)
		}
		if rec.Reason == "" {
			rec.Reason = asError(err).Message
		}
		tracing.SetError(span, err)
	} else {
		tracing.SetStatus(span, nil)
	}

	// Audit failures are escalated by the audit logger and never change
	// the answer.
	if aerr := b.auditor.Record(context.WithoutCancel(ctx), rec); aerr != nil {
		b.logger.ErrorContext(ctx, "audit record not written", "error", aerr, "alert", true)
	}

	if err != nil {
		b.logger.InfoContext(ctx, "secret access refused",
			"secret_name", req.SecretName,
			"secret_key", req.Key,
			"kind", KindOf(err),
			"reason", rec.Reason,
		)
		return nil, err
	}
	b.logger.InfoContext(ctx, "secret access granted",
		"secret_name", req.SecretName,
		"secret_key", req.Key,
		"backend", res.Backend,
		"policy", rec.MatchedPolicy,
	)
	return res, nil
}

func (b *Broker) access(ctx context.Context, req AccessRequest, rec *audit.Record) (*AccessResult, error) {
	if req.SecretName == "" || req.Key == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "secret name and key are required"}
	}

	id, err := b.resolver.Resolve(ctx, req.Credentials)
	if err != nil {
		e := asError(err)
		if e.Kind != KindInvalidIdentity && e.Kind != KindIdentityMismatch {
			e = &Error{Kind: KindInvalidIdentity, Message: "invalid identity", Cause: err}
		}
		rec.Reason = err.Error()
		return nil, e
	}

	if req.Namespace == "" {
		req.Namespace = id.Namespace
	}
	rec.Principal = id.Principal
	rec.IdentityNamespace = id.Namespace
	rec.AuthMethod = string(id.AuthMethod)
	rec.Namespace = req.Namespace

	ctx = logging.WithPrincipal(ctx, id.String())
	tracing.SetCallerAttributes(tracing.SpanFromContext(ctx), id.Namespace, id.Principal, string(id.AuthMethod))

	d, err := b.evaluate(ctx, id, req)
	if err != nil {
		rec.Reason = "policy evaluation failed"
		return nil, &Error{Kind: KindInternal, Message: "policy evaluation failed", Cause: err}
	}

	rec.Decision = string(d.Result)
	rec.Reason = d.Reason
	rec.MatchedPolicy = d.MatchedPolicy
	rec.RiskScore = d.RiskScore
	rec.Verbose = d.Verbose
	if d.Verbose {
		rec.Labels = id.Labels
	}

	switch d.Result {
	case engine.ResultDeny:
		if d.Kind == engine.KindRateLimited {
			return nil, b.rateLimited(d)
		}
		return nil, &Error{Kind: KindForbidden, Message: d.Reason}

	case engine.ResultPendingApproval:
		if err := b.resolveApproval(ctx, id, req, d, rec); err != nil {
			return nil, err
		}
		// Limits are charged per approved read, not per evaluation, so
		// resuming or joining a pending request never spends quota.
		if err := b.evaluator.Admit(ctx, d); err != nil {
			rec.Decision = string(engine.ResultDeny)
			rec.Reason = "policy evaluation failed"
			return nil, &Error{Kind: KindInternal, Message: "policy evaluation failed", Cause: err, ApprovalID: rec.ApprovalID}
		}
		if d.Kind == engine.KindRateLimited {
			rec.Decision = string(d.Result)
			rec.Reason = d.Reason
			e := b.rateLimited(d)
			e.ApprovalID = rec.ApprovalID
			return nil, e
		}
	}

	backendName := d.Backend
	if backendName == "" {
		backendName = req.Backend
	}
	result, err := b.fetch(ctx, backendName, req)
	if err != nil {
		if be := new(backend.Error); errors.As(err, &be) && be.Backend != "*" {
			rec.Backend = be.Backend
		}
		return nil, asError(err)
	}
	rec.Backend = result.Backend

	return &AccessResult{
		Backend:    result.Backend,
		SecretName: req.SecretName,
		SecretKey:  req.Key,
		Value:      result.Value,
		Decision:   d,
		ApprovalID: rec.ApprovalID,
		Attempts:   result.Attempts,
	}, nil
}

func (b *Broker) rateLimited(d *engine.Decision) *Error {
	if b.metrics != nil {
		b.metrics.RecordRateLimited(d.LimitScope)
	}
	return &Error{Kind: KindRateLimited, Message: d.Reason, RetryAfter: d.RetryAfter}
}

// evaluate runs the policy engine under its own span and reports the
// decision to metrics and the anomaly observer.
func (b *Broker) evaluate(ctx context.Context, id *identity.ServiceIdentity, req AccessRequest) (*engine.Decision, error) {
	ctx, span := b.tracer.Start(ctx, "policy.evaluate")
	defer span.End()

	d, err := b.evaluator.Evaluate(ctx, id, engine.Request{
		Backend:    req.Backend,
		SecretName: req.SecretName,
		Key:        req.Key,
		Namespace:  req.Namespace,
	})
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	tracing.SetDecisionAttributes(span, string(d.Result), string(d.Kind), d.MatchedPolicy, d.RiskScore, d.SnapshotVersion)
	if b.metrics != nil {
		b.metrics.RecordDecision(string(d.Result), string(d.Kind), d.MatchedPolicy, d.Duration, d.RiskScore)
	}
	if b.observer != nil {
		b.observer.Observe(anomaly.Event{
			Identity: id,
			Secret:   req.SecretName,
			At:       d.EvaluatedAt,
			Denied:   d.Result == engine.ResultDeny,
		})
	}
	return d, nil
}

func (b *Broker) fetch(ctx context.Context, backendName string, req AccessRequest) (*backend.Result, error) {
	ctx, span := b.tracer.Start(ctx, "backend.get")
	defer span.End()

	result, err := b.router.Get(ctx, backendName, req.SecretName, req.Namespace, req.Key)
	if err != nil {
		tracing.SetFetchAttributes(span, backendName, string(backend.KindOf(err)), 0)
		tracing.SetError(span, err)
		return nil, err
	}
	tracing.SetFetchAttributes(span, result.Backend, "success", result.Attempts)
	return result, nil
}

// outcomeFor maps the pipeline result to the audit outcome.
func outcomeFor(err error) audit.Outcome {
	switch KindOf(err) {
	case "":
		return audit.OutcomeSuccess
	case KindApprovalPending:
		return audit.OutcomePending
	case KindInvalidIdentity, KindIdentityMismatch, KindForbidden, KindRateLimited,
		KindApprovalDenied, KindApprovalTimeout:
		return audit.OutcomeDenied
	case KindSecretNotFound:
		return audit.OutcomeNotFound
	case KindBackendUnavailable:
		return audit.OutcomeUnavailable
	default:
		return audit.OutcomeError
	}
}
