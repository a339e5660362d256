package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/limits/ratelimit"
	"mercator-hq/secretsrouter/pkg/policy"
	"mercator-hq/secretsrouter/pkg/policy/store"
)

// SnapshotSource provides the current policy snapshot. *store.Store
// implements it.
type SnapshotSource interface {
	Snapshot() *policy.Snapshot
}

// RiskScorer scores a request against the caller's access history. Scores
// range over 0..100.
type RiskScorer interface {
	Score(id *identity.ServiceIdentity, secret string, at time.Time) int
}

// Evaluator turns an identity and a request into a Decision.
//
// Evaluation order:
//
//  1. deny rules across every matching policy; any match denies
//  2. allow candidates, most specific first, gated by time_window, rego
//     and namespace_match conditions
//  3. anomaly conditions of the winning policy
//  4. rate limits and group quotas, consumed all-or-nothing; pending
//     decisions defer them to Admit
//  5. SecretAccessGroups when no allow rule matched
//  6. default deny
type Evaluator struct {
	cfg     *Config
	snaps   SnapshotSource
	limiter ratelimit.Limiter
	scorer  RiskScorer
	rego    *regoCache
	logger  *slog.Logger
}

// New creates an evaluator. A nil limiter uses an in-process limiter; a nil
// scorer scores every request 0.
func New(cfg *Config, snaps SnapshotSource, limiter ratelimit.Limiter, scorer RiskScorer) (*Evaluator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if snaps == nil {
		return nil, fmt.Errorf("snapshot source cannot be nil")
	}
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(0)
	}
	return &Evaluator{
		cfg:     cfg,
		snaps:   snaps,
		limiter: limiter,
		scorer:  scorer,
		rego:    newRegoCache(),
		logger:  slog.Default().With("component", "policy.engine"),
	}, nil
}

type candidate struct {
	policy *policy.Policy
	rule   policy.Rule
	index  int
}

type tracer struct {
	enabled bool
	steps   []string
}

func (t *tracer) add(format string, args ...interface{}) {
	if t.enabled {
		t.steps = append(t.steps, fmt.Sprintf(format, args...))
	}
}

// Evaluate computes the decision for one request. It returns an error only
// when no decision can be computed at all, e.g. a canceled context or an
// unreachable shared rate limiter.
func (e *Evaluator) Evaluate(ctx context.Context, id *identity.ServiceIdentity, req Request) (*Decision, error) {
	if id == nil {
		return nil, ErrNilIdentity
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	now := e.cfg.Now()
	if req.Namespace == "" {
		req.Namespace = id.Namespace
	}
	tr := &tracer{enabled: e.cfg.EnableTrace}

	d, err := e.evaluate(ctx, id, req, now, tr)
	if err != nil {
		return nil, err
	}
	d.EvaluatedAt = now
	d.Duration = time.Since(start)
	d.Trace = tr.steps

	e.logger.Debug("policy decision",
		"principal", id.String(),
		"secret", req.SecretName,
		"key", req.Key,
		"result", d.Result,
		"kind", d.Kind,
		"policy", d.MatchedPolicy,
		"group", d.Group,
		"risk_score", d.RiskScore,
	)
	return d, nil
}

func (e *Evaluator) evaluate(ctx context.Context, id *identity.ServiceIdentity, req Request, now time.Time, tr *tracer) (*Decision, error) {
	snap := e.snaps.Snapshot()
	if snap == nil {
		tr.add("no snapshot loaded")
		return &Decision{Result: ResultDeny, Kind: KindNoSnapshot, Reason: ReasonNoSnapshot}, nil
	}

	score := 0
	if e.scorer != nil {
		score = clampScore(e.scorer.Score(id, req.SecretName, now))
	}
	base := Decision{
		RiskScore:       score,
		Verbose:         score >= e.cfg.AnomalyThreshold,
		SnapshotVersion: snap.Version,
	}

	policies := store.LookupIn(snap, id)
	tr.add("snapshot %s: %d policies match %s, risk score %d", snap.Version, len(policies), id, score)

	// Deny rules win regardless of priority or specificity.
	for _, p := range policies {
		for i, r := range p.Rules {
			if r.Effect == policy.EffectDeny && r.Matches(req.Backend, req.SecretName, req.Key) {
				tr.add("deny rule %s[%d] matches", p.ID, i)
				d := base
				d.Result = ResultDeny
				d.Kind = KindPolicyDeny
				d.MatchedPolicy = p.ID
				d.Reason = fmt.Sprintf("denied by policy %s", p.ID)
				return &d, nil
			}
		}
	}

	if winner := e.selectAllow(ctx, policies, id, req, score, now, tr); winner != nil {
		d := base
		d.Result = ResultAllow
		d.Kind = KindAllowed
		d.MatchedPolicy = winner.policy.ID
		d.Reason = fmt.Sprintf("allowed by policy %s", winner.policy.ID)
		d.Backend = bindBackend(winner.rule.Backend, req.Backend)

		e.applyAnomaly(&d, winner.policy, tr)
		if d.Result == ResultDeny {
			return &d, nil
		}
		if err := e.applyLimits(ctx, &d, id, req, winner.policy, nil, tr); err != nil {
			return nil, err
		}
		return &d, nil
	}

	if g, ref := pickGroup(store.GroupsIn(snap, id, req.Backend, req.SecretName, req.Key), req); g != nil {
		d := base
		d.Group = g.ID
		d.Backend = bindBackend(ref.Backend, req.Backend)
		if g.ApprovalRequired {
			tr.add("group %s covers %s and requires approval", g.ID, req.SecretName)
			d.Result = ResultPendingApproval
			d.Kind = KindApprovalRequired
			d.Reason = ReasonApprovalRequired
			d.Approval = &ApprovalRequirement{
				Group:     g.ID,
				Approvers: g.Approvers,
				Timeout:   e.approvalTimeout(g.Timeout),
			}
		} else {
			tr.add("group %s grants %s", g.ID, req.SecretName)
			d.Result = ResultAllow
			d.Kind = KindAllowed
			d.Reason = fmt.Sprintf("allowed by group %s", g.ID)
		}
		if err := e.applyLimits(ctx, &d, id, req, nil, g, tr); err != nil {
			return nil, err
		}
		return &d, nil
	}

	tr.add("no allow rule or group matched")
	d := base
	d.Result = ResultDeny
	d.Kind = KindDefaultDeny
	d.Reason = ReasonNoMatchingAllow
	return &d, nil
}

// selectAllow orders every matching allow rule by specificity and returns
// the first whose policy's gating conditions hold.
func (e *Evaluator) selectAllow(ctx context.Context, policies []*policy.Policy, id *identity.ServiceIdentity, req Request, score int, now time.Time, tr *tracer) *candidate {
	var cands []candidate
	for _, p := range policies {
		for i, r := range p.Rules {
			if r.Effect == policy.EffectAllow && r.Matches(req.Backend, req.SecretName, req.Key) {
				cands = append(cands, candidate{policy: p, rule: r, index: i})
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if sa, sb := a.rule.SecretSpecificity(), b.rule.SecretSpecificity(); sa != sb {
			return sa > sb
		}
		if ka, kb := a.rule.KeySpecificity(), b.rule.KeySpecificity(); ka != kb {
			return ka > kb
		}
		if a.policy.Priority != b.policy.Priority {
			return a.policy.Priority > b.policy.Priority
		}
		if a.policy.ID != b.policy.ID {
			return a.policy.ID < b.policy.ID
		}
		return a.index < b.index
	})

	gated := make(map[string]bool, len(cands))
	for i := range cands {
		c := &cands[i]
		ok, seen := gated[c.policy.ID]
		if !seen {
			ok = e.gatesHold(ctx, c.policy, id, req, score, now, tr)
			gated[c.policy.ID] = ok
		}
		if ok {
			tr.add("allow rule %s[%d] (%s secret, %s key) wins", c.policy.ID, c.index, c.rule.SecretSpecificity(), c.rule.KeySpecificity())
			return c
		}
	}
	return nil
}

// gatesHold evaluates the policy's time_window, rego and namespace_match
// conditions. Errors fail closed.
func (e *Evaluator) gatesHold(ctx context.Context, p *policy.Policy, id *identity.ServiceIdentity, req Request, score int, now time.Time, tr *tracer) bool {
	for _, c := range p.Conditions {
		switch c.Type {
		case policy.ConditionTimeWindow:
			if c.TimeWindow == nil || !inTimeWindow(c.TimeWindow, now) {
				tr.add("policy %s: outside time window", p.ID)
				return false
			}
		case policy.ConditionNamespaceMatch:
			if !namespaceMatches(id, req) {
				tr.add("policy %s: namespace %s differs from caller namespace %s", p.ID, req.Namespace, id.Namespace)
				return false
			}
		case policy.ConditionRego:
			if c.Rego == nil {
				return false
			}
			ok, err := e.rego.eval(ctx, c.Rego, id, req, score, now)
			if err != nil {
				e.logger.Warn("rego condition failed, treating as unsatisfied",
					"error", &ConditionError{PolicyID: p.ID, Type: string(c.Type), Cause: err})
				tr.add("policy %s: rego error: %v", p.ID, err)
				return false
			}
			if !ok {
				tr.add("policy %s: rego condition not satisfied", p.ID)
				return false
			}
		case policy.ConditionRateLimit, policy.ConditionAnomaly:
			// Applied after selection.
		}
	}
	return true
}

// applyAnomaly applies the winning policy's anomaly conditions to d.
func (e *Evaluator) applyAnomaly(d *Decision, p *policy.Policy, tr *tracer) {
	for _, c := range p.Conditions {
		if c.Type != policy.ConditionAnomaly || c.Anomaly == nil {
			continue
		}
		a := c.Anomaly
		if d.RiskScore <= a.MaxScore {
			continue
		}
		tr.add("policy %s: risk score %d exceeds %d, action %s", p.ID, d.RiskScore, a.MaxScore, a.Action)
		switch a.Action {
		case policy.AnomalyDeny:
			d.Result = ResultDeny
			d.Kind = KindAnomaly
			d.Reason = fmt.Sprintf("risk score %d exceeds limit %d of policy %s", d.RiskScore, a.MaxScore, p.ID)
			d.Verbose = true
			return
		case policy.AnomalyRequireApproval:
			d.Result = ResultPendingApproval
			d.Kind = KindAnomaly
			d.Reason = ReasonApprovalRequired
			d.Verbose = true
			d.Approval = &ApprovalRequirement{
				Group:     "anomaly:" + p.ID,
				Approvers: a.Approvers,
				Timeout:   e.approvalTimeout(a.Timeout),
			}
		case policy.AnomalyAudit:
			d.Verbose = true
		}
	}
}

type limitCheck struct {
	scope string
	ratelimit.Counter
}

// applyLimits charges every applicable counter in one all-or-nothing
// admission and turns d into a rate-limited deny on a breach. Pending
// decisions are not charged; their counters are kept on d for Admit once
// the approval grants the read.
func (e *Evaluator) applyLimits(ctx context.Context, d *Decision, id *identity.ServiceIdentity, req Request, p *policy.Policy, g *policy.SecretAccessGroup, tr *tracer) error {
	checks := e.limitChecks(id, req, p, g)
	if d.Result == ResultPendingApproval {
		d.deferred = checks
		return nil
	}
	return e.charge(ctx, d, checks, tr)
}

// Admit charges the counters a pending decision deferred. Call it once per
// approved read. On a breach d becomes a rate-limited deny.
func (e *Evaluator) Admit(ctx context.Context, d *Decision) error {
	if d == nil || len(d.deferred) == 0 {
		return nil
	}
	checks := d.deferred
	d.deferred = nil
	tr := &tracer{enabled: e.cfg.EnableTrace}
	if err := e.charge(ctx, d, checks, tr); err != nil {
		return err
	}
	d.Trace = append(d.Trace, tr.steps...)
	if d.Kind == KindRateLimited {
		e.logger.Debug("approved read rate limited", "scope", d.LimitScope, "group", d.Group)
	}
	return nil
}

func (e *Evaluator) limitChecks(id *identity.ServiceIdentity, req Request, p *policy.Policy, g *policy.SecretAccessGroup) []limitCheck {
	principal := id.String()

	var checks []limitCheck
	if e.cfg.PrincipalLimit.Enabled() {
		checks = append(checks, limitCheck{scope: LimitScopePrincipal, Counter: ratelimit.Counter{
			Key:    ratelimit.PrincipalKey(principal, e.cfg.PrincipalLimit.Period),
			Limit:  e.cfg.PrincipalLimit.Count,
			Window: e.cfg.PrincipalLimit.Period,
		}})
	}
	if p != nil {
		for _, c := range p.Conditions {
			if c.Type != policy.ConditionRateLimit || c.RateLimit == nil {
				continue
			}
			rl := c.RateLimit
			key := ratelimit.PrincipalKey(principal, rl.Period)
			if rl.Scope == policy.ScopeSecret {
				key = ratelimit.SecretKey(principal, req.SecretName, rl.Period)
			}
			checks = append(checks, limitCheck{scope: LimitScopePolicy, Counter: ratelimit.Counter{
				Key:    "policy:" + p.ID + ":" + key,
				Limit:  rl.Count,
				Window: rl.Period,
			}})
		}
	}
	if g != nil && g.Quota != nil {
		checks = append(checks, limitCheck{scope: LimitScopeGroup, Counter: ratelimit.Counter{
			Key:    ratelimit.GroupKey(g.ID, principal, g.Quota.Period),
			Limit:  g.Quota.Count,
			Window: g.Quota.Period,
		}})
	}
	return checks
}

func (e *Evaluator) charge(ctx context.Context, d *Decision, checks []limitCheck, tr *tracer) error {
	if len(checks) == 0 {
		return nil
	}
	counters := make([]ratelimit.Counter, len(checks))
	for i, c := range checks {
		counters[i] = c.Counter
	}
	res, err := e.limiter.CheckAndIncrementAll(ctx, counters)
	if err != nil {
		return &EvaluationError{PolicyID: d.MatchedPolicy, Stage: "rate limit", Cause: err}
	}
	if res.Allowed {
		return nil
	}

	scope := ""
	for _, c := range checks {
		if c.Key == res.Key {
			scope = c.scope
			break
		}
	}
	tr.add("rate limit %s exhausted (%d per window)", res.Key, res.Limit)
	d.Result = ResultDeny
	d.Kind = KindRateLimited
	d.Reason = ReasonRateLimited
	d.RetryAfter = res.RetryAfter
	d.LimitScope = scope
	d.Approval = nil
	return nil
}

func (e *Evaluator) approvalTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return e.cfg.DefaultApprovalTimeout
}

// pickGroup returns the first covering group that requires approval, or
// else the first covering group.
func pickGroup(groups []*policy.SecretAccessGroup, req Request) (*policy.SecretAccessGroup, policy.SecretRef) {
	var chosen *policy.SecretAccessGroup
	for _, g := range groups {
		if g.ApprovalRequired {
			chosen = g
			break
		}
		if chosen == nil {
			chosen = g
		}
	}
	if chosen == nil {
		return nil, policy.SecretRef{}
	}
	ref, _ := chosen.Covering(req.Backend, req.SecretName, req.Key)
	return chosen, ref
}

// bindBackend returns the backend a grant binds the request to. A rule or
// group bound to a concrete backend wins over an unspecified request.
func bindBackend(bound, requested string) string {
	if bound != "" && bound != policy.AnyBackend {
		return bound
	}
	if requested != "" {
		return requested
	}
	return policy.AnyBackend
}

func clampScore(s int) int {
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}
