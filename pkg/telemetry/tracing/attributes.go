package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Secret values and credentials are never recorded;
// secret names are identifiers and are.
const (
	AttrRequestID  = "secrets.request_id"
	AttrPrincipal  = "secrets.principal"
	AttrNamespace  = "secrets.namespace"
	AttrAuthMethod = "secrets.auth_method"

	AttrBackend    = "secrets.backend"
	AttrSecretName = "secrets.secret_name"
	AttrSecretKey  = "secrets.secret_key"

	AttrDecision        = "secrets.decision"
	AttrDecisionKind    = "secrets.decision.kind"
	AttrPolicy          = "secrets.policy"
	AttrRiskScore       = "secrets.risk_score"
	AttrSnapshotVersion = "secrets.policy.version"

	AttrApprovalID    = "secrets.approval.id"
	AttrApprovalState = "secrets.approval.state"

	AttrOutcome  = "secrets.outcome"
	AttrAttempts = "secrets.attempts"
)

// SetCallerAttributes records the verified caller on span.
func SetCallerAttributes(span trace.Span, namespace, principal, authMethod string) {
	span.SetAttributes(
		attribute.String(AttrNamespace, namespace),
		attribute.String(AttrPrincipal, principal),
		attribute.String(AttrAuthMethod, authMethod),
	)
}

// SetSecretAttributes records the requested secret coordinates.
func SetSecretAttributes(span trace.Span, backend, name, key string) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSecretName, name),
	}
	if backend != "" {
		attrs = append(attrs, attribute.String(AttrBackend, backend))
	}
	if key != "" {
		attrs = append(attrs, attribute.String(AttrSecretKey, key))
	}
	span.SetAttributes(attrs...)
}

// SetDecisionAttributes records a policy decision.
func SetDecisionAttributes(span trace.Span, result, kind, policy string, risk int, version string) {
	span.SetAttributes(
		attribute.String(AttrDecision, result),
		attribute.String(AttrDecisionKind, kind),
		attribute.String(AttrPolicy, policy),
		attribute.Int(AttrRiskScore, risk),
		attribute.String(AttrSnapshotVersion, version),
	)
}

// SetApprovalAttributes records the approval request a call waited on.
func SetApprovalAttributes(span trace.Span, id, state string) {
	span.SetAttributes(
		attribute.String(AttrApprovalID, id),
		attribute.String(AttrApprovalState, state),
	)
}

// SetFetchAttributes records the result of a backend fetch.
func SetFetchAttributes(span trace.Span, backend, outcome string, attempts int) {
	span.SetAttributes(
		attribute.String(AttrBackend, backend),
		attribute.String(AttrOutcome, outcome),
		attribute.Int(AttrAttempts, attempts),
	)
}
