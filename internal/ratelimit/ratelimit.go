// Package ratelimit implements a token-bucket limiter for bounding upload
// and download throughput.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket: it holds up to Capacity tokens, refilling at
// RefillRate tokens per second, and grants n tokens to a caller only if
// that many are currently available. Unlike golang.org/x/time/rate, Consume
// never blocks and never sleeps — callers that are refused simply try again
// later, which is what a peer connection's upload loop, polling for
// available budget, needs.
type Limiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// New returns a Limiter with the given capacity and refill rate (tokens per
// second), starting full. A non-positive capacity or refillRate disables
// limiting: Consume always succeeds.
func New(capacity, refillRate float64) *Limiter {
	return &Limiter{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Consume reports whether n tokens are available, and if so, deducts them.
// It refills the bucket for elapsed wall-clock time before checking.
func (l *Limiter) Consume(n float64) bool {
	if l.capacity <= 0 || l.refillRate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	if l.tokens < n {
		return false
	}
	l.tokens -= n
	return true
}

// refill adds tokens for the time elapsed since the last refill, clamped to
// capacity. Callers must hold l.mu.
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now

	l.tokens += elapsed * l.refillRate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Available returns the current token count, refilling first.
func (l *Limiter) Available() float64 {
	if l.capacity <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	return l.tokens
}
