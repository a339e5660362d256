package broker

import (
	"context"
	"errors"
	"fmt"

	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/audit"
	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/policy/engine"
	"mercator-hq/secretsrouter/pkg/telemetry/tracing"
)

// resolveApproval settles a pending decision. It returns nil when the read
// is approved; otherwise the error carries the approval outcome.
func (b *Broker) resolveApproval(ctx context.Context, id *identity.ServiceIdentity, req AccessRequest, d *engine.Decision, rec *audit.Record) error {
	if b.approvals == nil || d.Approval == nil {
		return &Error{Kind: KindForbidden, Message: "approval required but approvals are not enabled"}
	}

	ctx, span := b.tracer.Start(ctx, "approval.await")
	defer span.End()

	r, err := b.approvalFor(ctx, id, req, d)
	if err != nil {
		return err
	}
	rec.ApprovalID = r.ID

	state := r.State
	if state == approval.StatePending && b.cfg.ApprovalMode == ApprovalModeWait {
		waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ApprovalWait)
		state, err = b.approvals.Await(waitCtx, r.ID)
		cancel()
		switch {
		case err == nil:
			if latest, gerr := b.approvals.Get(ctx, r.ID); gerr == nil {
				r = latest
			}
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
			errors.Is(err, approval.ErrClosed):
			// The request stays pending; the caller resumes with its ID.
			state = approval.StatePending
		default:
			return &Error{Kind: KindInternal, Message: "approval wait failed", Cause: err, ApprovalID: r.ID}
		}
	}
	tracing.SetApprovalAttributes(span, r.ID, string(state))

	switch state {
	case approval.StateApproved:
		if !b.now().Before(r.Deadline) && req.ApprovalID != "" {
			rec.Reason = "approval grant expired"
			return &Error{Kind: KindApprovalTimeout, Message: rec.Reason, ApprovalID: r.ID}
		}
		rec.Decision = string(engine.ResultAllow)
		rec.Reason = fmt.Sprintf("approved by %s", r.DecidedBy)
		return nil
	case approval.StateDenied:
		rec.Decision = string(engine.ResultDeny)
		rec.Reason = fmt.Sprintf("approval denied by %s", r.DecidedBy)
		return &Error{Kind: KindApprovalDenied, Message: rec.Reason, ApprovalID: r.ID}
	case approval.StateExpired:
		rec.Decision = string(engine.ResultDeny)
		rec.Reason = "approval expired"
		return &Error{Kind: KindApprovalTimeout, Message: rec.Reason, ApprovalID: r.ID}
	default:
		return &Error{Kind: KindApprovalPending, Message: d.Reason, ApprovalID: r.ID}
	}
}

// approvalFor returns the approval request that gates this read: the one
// named by the caller, or a new or deduplicated submission.
func (b *Broker) approvalFor(ctx context.Context, id *identity.ServiceIdentity, req AccessRequest, d *engine.Decision) (*approval.Request, error) {
	if req.ApprovalID != "" {
		r, err := b.approvals.Get(ctx, req.ApprovalID)
		if err != nil {
			if errors.Is(err, approval.ErrNotFound) {
				return nil, &Error{Kind: KindForbidden, Message: "unknown approval request", Cause: err}
			}
			return nil, &Error{Kind: KindInternal, Message: "approval lookup failed", Cause: err}
		}
		if r.Principal != id.Principal || r.Namespace != id.Namespace ||
			r.Secret != req.SecretName || r.GroupID != d.Approval.Group {
			return nil, &Error{Kind: KindForbidden, Message: "approval request does not cover this read"}
		}
		return r, nil
	}

	r, created, err := b.approvals.Submit(ctx, approval.Subject{
		Principal: id.Principal,
		Namespace: id.Namespace,
		Secret:    req.SecretName,
		Key:       req.Key,
		Group:     d.Approval.Group,
		Approvers: d.Approval.Approvers,
		Timeout:   d.Approval.Timeout,
		Reason:    d.Reason,
	})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "approval request failed", Cause: err}
	}
	if !created {
		b.logger.DebugContext(ctx, "joined pending approval", "approval_id", r.ID)
	}
	return r, nil
}

// GetApproval returns an approval request visible to the caller: its
// requester or one of its approvers.
func (b *Broker) GetApproval(ctx context.Context, cred identity.Credentials, approvalID string) (*approval.Request, error) {
	if b.approvals == nil {
		return nil, &Error{Kind: KindApprovalNotFound, Message: "approvals are not enabled"}
	}
	id, err := b.authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	r, err := b.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, asError(err)
	}
	if !visible(r, id) {
		return nil, &Error{Kind: KindApprovalNotFound, Message: "approval request not found"}
	}
	return r, nil
}

// ListApprovals returns the requests matching f that the caller may see.
func (b *Broker) ListApprovals(ctx context.Context, cred identity.Credentials, f approval.Filter) ([]*approval.Request, error) {
	if b.approvals == nil {
		return nil, nil
	}
	id, err := b.authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	f.Limit = 0
	all, err := b.approvals.List(ctx, f)
	if err != nil {
		return nil, asError(err)
	}
	out := make([]*approval.Request, 0, len(all))
	for _, r := range all {
		if !visible(r, id) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Decide approves or denies a pending request on behalf of the
// authenticated caller.
func (b *Broker) Decide(ctx context.Context, cred identity.Credentials, approvalID string, approve bool, comment string) (*approval.Request, error) {
	if b.approvals == nil {
		return nil, &Error{Kind: KindApprovalNotFound, Message: "approvals are not enabled"}
	}
	id, err := b.authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	r, err := b.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, asError(err)
	}

	approver := approverName(r, id)
	if approve {
		r, err = b.approvals.Approve(ctx, approvalID, approver, comment)
	} else {
		r, err = b.approvals.Deny(ctx, approvalID, approver, comment)
	}
	if err != nil {
		b.logger.WarnContext(ctx, "approval decision rejected",
			"approval_id", approvalID,
			"approver", id.String(),
			"error", err,
		)
		return nil, asError(err)
	}
	return r, nil
}

func (b *Broker) authenticate(ctx context.Context, cred identity.Credentials) (*identity.ServiceIdentity, error) {
	id, err := b.resolver.Resolve(ctx, cred)
	if err != nil {
		e := asError(err)
		if e.Kind != KindIdentityMismatch {
			e = &Error{Kind: KindInvalidIdentity, Message: "invalid identity", Cause: err}
		}
		return nil, e
	}
	return id, nil
}

// approverName picks the name the caller is listed under: "namespace/name"
// when listed that way, otherwise the bare principal.
func approverName(r *approval.Request, id *identity.ServiceIdentity) string {
	if r.IsApprover(id.String()) {
		return id.String()
	}
	return id.Principal
}

func visible(r *approval.Request, id *identity.ServiceIdentity) bool {
	if r.Principal == id.Principal && r.Namespace == id.Namespace {
		return true
	}
	return r.IsApprover(id.String()) || r.IsApprover(id.Principal)
}
