// Package health implements the liveness and readiness endpoints.
//
// /healthz answers as long as the process serves HTTP and reports the
// service name and version. /readyz runs every registered check
// concurrently, each under its own timeout, and returns 503 when any
// check fails. The router registers one check for the policy snapshot and
// one per secret backend.
//
//	checker := health.New("secrets-router", version, 5*time.Second)
//	checker.RegisterCheck("policy", func(ctx context.Context) error { ... })
//	mux.Handle("GET /healthz", checker.LivenessHandler())
//	mux.Handle("GET /readyz", checker.ReadinessHandler())
package health
