// Package telemetry groups the observability packages of the secrets
// router:
//
//   - logging: slog setup with credential redaction and request context
//   - metrics: Prometheus collectors on a private registry
//   - tracing: OpenTelemetry spans exported over OTLP
//   - health: /healthz and /readyz
//
// Secret values never reach any of them. Secret names, backends and
// principals appear in logs and spans; metrics labels stay bounded and
// carry no principal or secret name.
package telemetry
