// Package ratelimit throttles requests per credential with a fixed
// one-minute window. State is process-local behind a mutex; a multi-instance
// deployment would need an external store.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultCapacity = 100
	window          = time.Minute
)

type counter struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// Limiter counts Allowed outcomes per key per window. Once the count reaches
// capacity, further calls in the same window are throttled with the seconds
// remaining until the window resets.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	counters map[string]*counter
}

func New(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Limiter{
		capacity: capacity,
		now:      time.Now,
		counters: map[string]*counter{},
	}
}

// Allow reports whether the caller may proceed. When throttled, retryAfter
// holds the whole seconds until the current window closes (at least 1).
func (l *Limiter) Allow(key string) (allowed bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowStart) >= window {
		l.counters[key] = &counter{windowStart: now, count: 1, lastSeen: now}
		l.evictIdle(now)
		return true, 0
	}
	c.lastSeen = now
	if c.count < l.capacity {
		c.count++
		return true, 0
	}

	remaining := window - now.Sub(c.windowStart)
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return false, secs
}

// evictIdle drops counters idle for two full windows. Called with the lock
// held, on the window-rollover path only, so the sweep stays off the hot path.
func (l *Limiter) evictIdle(now time.Time) {
	for key, c := range l.counters {
		if now.Sub(c.lastSeen) >= 2*window {
			delete(l.counters, key)
		}
	}
}
