// Package backend reads secret values from secret stores and routes reads
// between them.
//
// A Backend fetches one key of one secret. Implementations cover the Dapr
// sidecar secret API, AWS Secrets Manager, Google Secret Manager, Azure Key
// Vault and an in-memory store for development. Every implementation
// normalizes its failures into *Error with one of four kinds:
//
//   - KindNotFound: the secret or key does not exist
//   - KindPermissionDenied: the store refused the broker's credentials
//   - KindUnavailable: a transient failure; retried by the Router
//   - KindInternal: anything else
//
// The Router dispatches a read to the backend bound by the policy decision.
// A binding of "*" walks the configured fallback order and moves to the next
// backend only when the current one reports not-found. Each attempt runs
// under its own timeout, and transient errors are retried with exponential
// backoff.
//
// Secret values are never cached.
package backend
