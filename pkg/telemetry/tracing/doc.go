// Package tracing provides OpenTelemetry tracing for the secrets router.
//
// Each access request produces a root span from the HTTP layer with child
// spans for policy evaluation, approval waits and backend fetches. Spans
// are exported over OTLP/gRPC; W3C trace context is extracted from
// callers and injected into outbound approval webhooks.
//
// Sampling strategies:
//   - always: sample all traces
//   - never: sample no traces
//   - ratio: sample sample_ratio of root traces by trace ID
//
// All strategies respect the caller's sampling decision.
//
// Usage:
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "policy.evaluate")
//	defer span.End()
//	tracing.SetDecisionAttributes(span, "deny", "policy_deny", "frontend", 0, snapshotVersion)
//
// Secret values and caller credentials are never recorded as attributes.
package tracing
