// Package middleware provides the HTTP middleware chain of the secrets
// router.
//
// Chain order, outermost first:
//
//	Recovery -> RequestID -> tracing -> Logging -> mux -> Metrics(route)
//
// Metrics wraps each route individually so that requests are labeled by
// pattern rather than by path.
package middleware
