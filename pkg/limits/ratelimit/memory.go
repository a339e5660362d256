package ratelimit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const shardCount = 64

// MemoryLimiter keeps one SlidingWindow per key in process memory. Counters
// do not survive a restart.
//
// Keys are spread over shards; an admission locks only its key's shard.
type MemoryLimiter struct {
	shards [shardCount]limiterShard
	now    func() time.Time
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

type limiterShard struct {
	mu      sync.Mutex
	windows map[string]*SlidingWindow
}

// NewMemoryLimiter returns a limiter. A positive sweepInterval starts a
// background sweep of idle keys, stopped by Close.
func NewMemoryLimiter(sweepInterval time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		now:    time.Now,
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "ratelimit.memory"),
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*SlidingWindow)
	}
	if sweepInterval > 0 {
		go l.sweepLoop(sweepInterval)
	}
	return l
}

// CheckAndIncrement admits one request for key if fewer than limit were
// admitted during the last window. A non-positive limit always allows.
func (l *MemoryLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (CheckResult, error) {
	return l.CheckAndIncrementAll(ctx, []Counter{{Key: key, Limit: limit, Window: window}})
}

// CheckAndIncrementAll admits one request against every counter or none.
// On success the result describes the counter with the fewest remaining
// slots.
func (l *MemoryLimiter) CheckAndIncrementAll(_ context.Context, counters []Counter) (CheckResult, error) {
	active := activeCounters(counters)
	if len(active) == 0 {
		return unlimitedResult(counters), nil
	}

	// Every involved shard stays locked from the first check to the last
	// increment, so a concurrent Sweep or admission cannot interleave.
	// Shards are locked in index order.
	shards := make([]int, 0, len(active))
	for _, c := range active {
		shards = append(shards, int(shardFor(c.Key)))
	}
	slices.Sort(shards)
	shards = slices.Compact(shards)
	for _, i := range shards {
		l.shards[i].mu.Lock()
	}
	defer func() {
		for _, i := range shards {
			l.shards[i].mu.Unlock()
		}
	}()

	now := l.now()
	windows := make([]*SlidingWindow, len(active))
	for i, c := range active {
		windows[i] = l.windowLocked(c)
		if ok, count, reset := windows[i].Fits(1, int64(c.Limit)); !ok {
			return newResult(c.Key, false, c.Limit, count, reset, now), nil
		}
	}

	var tightest CheckResult
	for i, c := range active {
		_, count, reset := windows[i].TryAdd(1, int64(c.Limit))
		res := newResult(c.Key, true, c.Limit, count, reset, now)
		if i == 0 || res.Remaining < tightest.Remaining {
			tightest = res
		}
	}
	return tightest, nil
}

// windowLocked returns the window for c. The caller holds its shard lock.
func (l *MemoryLimiter) windowLocked(c Counter) *SlidingWindow {
	shard := &l.shards[shardFor(c.Key)]
	sw, ok := shard.windows[c.Key]
	if !ok || sw.Window() != c.Window {
		sw = NewSlidingWindow(c.Window, 0)
		sw.now = l.now
		shard.windows[c.Key] = sw
	}
	return sw
}

// Sweep drops windows that have been idle for longer than their duration and
// returns how many were removed.
func (l *MemoryLimiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for k, sw := range shard.windows {
			if sw.Idle(now) {
				delete(shard.windows, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].windows)
		l.shards[i].mu.Unlock()
	}
	return n
}

// Close stops the background sweep.
func (l *MemoryLimiter) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *MemoryLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept idle rate limit keys", "removed", n)
			}
		case <-l.done:
			return
		}
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}
