// Package server exposes the secrets router over HTTP.
//
// # Routes
//
//	GET  /secrets/{name}/{key}?namespace=&backend=&approval_id=
//	GET  /approvals?state=&principal=&group=&limit=
//	GET  /approvals/{id}
//	POST /approvals/{id}/approve   {"comment": "..."}
//	POST /approvals/{id}/deny      {"comment": "..."}
//	GET  /healthz
//	GET  /readyz
//	GET  /metrics
//
// Callers authenticate with "Authorization: Bearer <token>" or a client
// certificate. With trusted headers enabled, X-Service-Namespace and
// X-Service-Labels ("k1=v1,k2=v2") are passed to the identity resolver as
// claims; they never override verified attributes.
//
// Failures use one body shape:
//
//	{"error": {"message": "...", "type": "permission_denied", "code": "Forbidden", "request_id": "..."}}
//
// A read held for approval answers 202 with error.approval_id and a
// Location header; a rate-limited read answers 429 with Retry-After.
//
// # Lifecycle
//
//	srv := server.NewServer(&cfg.Server, b,
//	    server.WithHealth(checker),
//	    server.WithMetrics(collector, cfg.Telemetry.Metrics.Path),
//	    server.WithTracer(tracer),
//	)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//
// Start returns after ctx is canceled and in-flight requests have drained,
// bounded by ShutdownTimeout.
package server
