// Package ratelimit provides the per-IP sliding-window limiter protecting the
// OAuth endpoints. This is separate from the pipeline's token bucket, which
// guards the shared upstream quota.
package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter is a simple in-memory sliding-window limiter keyed by caller.
type RateLimiter struct {
	lock     sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	max      int
}

// NewRateLimiter allows max requests per key within window.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		max:      max,
	}
}

// Allow records a request for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, at := range rl.requests[key] {
		if at.After(windowStart) {
			valid = append(valid, at)
		}
	}
	if len(valid) >= rl.max {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}
