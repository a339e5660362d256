package ratelimit

import (
	"sync"
	"time"
)

// defaultBuckets is the ring size used when a window is created without an
// explicit granularity.
const defaultBuckets = 60

// SlidingWindow is a bucketed request counter over a rolling time period.
//
// # Algorithm
//
//  1. Prune buckets older than the window
//  2. Sum the remaining buckets
//  3. If the sum plus the cost fits the limit, add the cost to the current bucket
//
// Steps 1-3 run under one lock, so two callers racing for the last slot
// cannot both be admitted.
//
// # Memory Efficiency
//
// Uses a ring of fixed granularity. A 1-minute window with 1-second buckets
// uses 60 buckets regardless of request volume.
type SlidingWindow struct {
	window     time.Duration
	bucketSize time.Duration
	buckets    []bucket
	head       int
	lastUsed   time.Time
	mu         sync.Mutex
	now        func() time.Time
}

type bucket struct {
	timestamp time.Time
	value     int64
}

// NewSlidingWindow creates a window of the given duration split into
// window/bucketSize buckets. A zero bucketSize picks window/60.
func NewSlidingWindow(window, bucketSize time.Duration) *SlidingWindow {
	if bucketSize <= 0 {
		bucketSize = window / defaultBuckets
		if bucketSize <= 0 {
			bucketSize = time.Millisecond
		}
	}
	// One extra slot: live buckets span (now-window, now], which can touch
	// window/bucketSize+1 aligned boundaries.
	numBuckets := int(window/bucketSize) + 1

	return &SlidingWindow{
		window:     window,
		bucketSize: bucketSize,
		buckets:    make([]bucket, numBuckets),
		now:        time.Now,
	}
}

// TryAdd atomically admits cost units if the windowed sum stays within limit.
// It returns whether the units were admitted, the sum after the call, and
// the time at which the oldest counted bucket leaves the window.
func (sw *SlidingWindow) TryAdd(cost, limit int64) (allowed bool, sum int64, reset time.Time) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.lastUsed = now
	sw.pruneLocked(now)
	sum = sw.sumLocked()

	if sum+cost > limit {
		return false, sum, sw.resetLocked(now)
	}

	b := sw.findOrCreateBucketLocked(now)
	b.value += cost
	return true, sum + cost, sw.resetLocked(now)
}

// Fits reports whether cost more units would stay within limit without
// consuming them.
func (sw *SlidingWindow) Fits(cost, limit int64) (ok bool, sum int64, reset time.Time) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.pruneLocked(now)
	sum = sw.sumLocked()
	return sum+cost <= limit, sum, sw.resetLocked(now)
}

// Add increments the counter unconditionally.
func (sw *SlidingWindow) Add(value int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.lastUsed = now
	sw.pruneLocked(now)
	sw.findOrCreateBucketLocked(now).value += value
}

// Sum returns the total count within the window.
func (sw *SlidingWindow) Sum() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pruneLocked(sw.now())
	return sw.sumLocked()
}

// Idle reports whether the window has not been touched for longer than its duration.
func (sw *SlidingWindow) Idle(now time.Time) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return now.Sub(sw.lastUsed) > sw.window
}

// Reset clears all buckets.
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	for i := range sw.buckets {
		sw.buckets[i] = bucket{}
	}
	sw.head = 0
}

// Window returns the window duration.
func (sw *SlidingWindow) Window() time.Duration {
	return sw.window
}

func (sw *SlidingWindow) sumLocked() int64 {
	var sum int64
	for i := range sw.buckets {
		if !sw.buckets[i].timestamp.IsZero() {
			sum += sw.buckets[i].value
		}
	}
	return sum
}

// resetLocked returns when the oldest live bucket expires.
func (sw *SlidingWindow) resetLocked(now time.Time) time.Time {
	var oldest time.Time
	for i := range sw.buckets {
		ts := sw.buckets[i].timestamp
		if ts.IsZero() || sw.buckets[i].value == 0 {
			continue
		}
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}
	if oldest.IsZero() {
		return now
	}
	return oldest.Add(sw.window)
}

// pruneLocked clears buckets that fell out of the window.
func (sw *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-sw.window)
	for i := range sw.buckets {
		if !sw.buckets[i].timestamp.IsZero() && !sw.buckets[i].timestamp.After(cutoff) {
			sw.buckets[i] = bucket{}
		}
	}
}

// findOrCreateBucketLocked returns the bucket for now, reusing an empty or
// the oldest slot when no bucket matches.
func (sw *SlidingWindow) findOrCreateBucketLocked(now time.Time) *bucket {
	bucketTime := now.Truncate(sw.bucketSize)

	if sw.buckets[sw.head].timestamp.Equal(bucketTime) {
		return &sw.buckets[sw.head]
	}
	for i := range sw.buckets {
		if sw.buckets[i].timestamp.Equal(bucketTime) {
			sw.head = i
			return &sw.buckets[i]
		}
	}

	target := -1
	for i := range sw.buckets {
		if sw.buckets[i].timestamp.IsZero() {
			target = i
			break
		}
	}
	if target == -1 {
		target = 0
		for i := 1; i < len(sw.buckets); i++ {
			if sw.buckets[i].timestamp.Before(sw.buckets[target].timestamp) {
				target = i
			}
		}
	}

	sw.buckets[target] = bucket{timestamp: bucketTime}
	sw.head = target
	return &sw.buckets[target]
}
