// Package ratelimit provides atomic check-and-increment sliding-window limits.
//
// # Overview
//
// Two implementations satisfy the Limiter interface:
//
//   - MemoryLimiter: per-key SlidingWindow in process memory, sharded locks
//   - RedisLimiter: sorted-set sliding log driven by a Lua script, shared
//     across replicas
//
// Both guarantee that for a limit of N, exactly N of N+1 concurrent callers
// for the same key are admitted. Denied attempts do not consume capacity.
//
// # Keys
//
// Counters are keyed by principal, by (principal, secret) and by
// (group, principal):
//
//	res, err := limiter.CheckAndIncrement(ctx, ratelimit.SecretKey("api", "db-creds", time.Minute), 10, time.Minute)
//	if err == nil && !res.Allowed {
//	    // reject with Retry-After: res.RetryAfter
//	}
//
// MemoryLimiter counters reset on process restart.
package ratelimit
