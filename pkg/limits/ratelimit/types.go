package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter atomically tests and consumes one unit of a sliding-window limit.
// Two concurrent callers for the same key can never both take the last slot.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (CheckResult, error)

	// CheckAndIncrementAll consumes one unit of every counter, or of none
	// when any of them is exhausted. On a breach the result describes the
	// first exhausted counter in order.
	CheckAndIncrementAll(ctx context.Context, counters []Counter) (CheckResult, error)
}

// Counter is one limit consulted by CheckAndIncrementAll. A non-positive
// Limit never blocks.
type Counter struct {
	Key    string
	Limit  int
	Window time.Duration
}

// CheckResult contains the result of a rate limit check.
type CheckResult struct {
	// Allowed indicates if the request is permitted.
	Allowed bool

	// Key is the counter that was consulted.
	Key string

	// Limit is the configured limit value.
	Limit int64

	// Remaining is how many requests remain in the window.
	Remaining int64

	// Reset is when the oldest counted request leaves the window.
	Reset time.Time

	// RetryAfter suggests how long to wait before retrying.
	RetryAfter time.Duration
}

// PrincipalKey is the per-identity counter.
func PrincipalKey(principal string, window time.Duration) string {
	return fmt.Sprintf("p:%s:%d", principal, window.Milliseconds())
}

// SecretKey is the per-(identity, secret) counter.
func SecretKey(principal, secret string, window time.Duration) string {
	return fmt.Sprintf("s:%s:%s:%d", principal, secret, window.Milliseconds())
}

// GroupKey is a SecretAccessGroup quota counter for one member.
func GroupKey(group, principal string, window time.Duration) string {
	return fmt.Sprintf("g:%s:%s:%d", group, principal, window.Milliseconds())
}

func newResult(key string, allowed bool, limit int, count int64, reset, now time.Time) CheckResult {
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	res := CheckResult{
		Allowed:   allowed,
		Key:       key,
		Limit:     int64(limit),
		Remaining: remaining,
		Reset:     reset,
	}
	if !allowed {
		res.RetryAfter = reset.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}

// activeCounters drops counters that can never block.
func activeCounters(counters []Counter) []Counter {
	active := make([]Counter, 0, len(counters))
	for _, c := range counters {
		if c.Limit > 0 {
			active = append(active, c)
		}
	}
	return active
}

func unlimitedResult(counters []Counter) CheckResult {
	res := CheckResult{Allowed: true}
	if len(counters) > 0 {
		res.Key = counters[0].Key
		res.Limit = int64(counters[0].Limit)
	}
	return res
}
