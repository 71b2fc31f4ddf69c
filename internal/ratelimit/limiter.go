// Package ratelimit implements fixed-window per-key rate limiting.
package ratelimit

import (
	"time"
)

// Limiter tracks request counts per (route, client IP) key in fixed windows.
// Crossing a window boundary resets both the window start and the count.
type Limiter struct {
	buckets    *shardedMap[*bucket]
	cleanupInt time.Duration
	done       chan struct{}
}

type bucket struct {
	windowStart time.Time
	count       int
}

// New creates a limiter and starts its background cleanup.
func New() *Limiter {
	l := &Limiter{
		buckets:    newShardedMap[*bucket](),
		cleanupInt: 5 * time.Minute,
		done:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow increments the bucket for key and reports whether the request is
// within limit. retryAfter is the time until the window resets when denied.
// A window of 0 disables limiting.
func (l *Limiter) Allow(key string, window time.Duration, max int) (allowed bool, remaining int, retryAfter time.Duration) {
	if window <= 0 {
		return true, max, 0
	}

	now := time.Now()

	s := l.buckets.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.items[key]
	if !exists || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now}
		s.items[key] = b
	}

	if b.count >= max {
		return false, 0, b.windowStart.Add(window).Sub(now)
	}

	b.count++
	return true, max - b.count, 0
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.done)
}

// cleanup removes stale buckets periodically.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cleanupInt)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.buckets.deleteFunc(func(_ string, b *bucket) bool {
				return now.Sub(b.windowStart) > 2*time.Hour
			})
		case <-l.done:
			return
		}
	}
}
