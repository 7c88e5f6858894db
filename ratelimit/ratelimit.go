// Package ratelimit provides admission control for the dispatch queue,
// keyed by an arbitrary string identifier such as a recipient number.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds per-queue rate limiting configuration.
type Config struct {
	// Enabled controls whether admission control is active.
	// A disabled gate admits everything.
	Enabled bool `json:"enabled"`

	// RequestsPerSecond is the sustained refill rate per identifier.
	RequestsPerSecond int `json:"requestsPerSecond"`

	// Burst is the bucket capacity per identifier.
	// Zero defaults to RequestsPerSecond.
	Burst int `json:"burst"`
}

// Limiter decides whether an operation keyed by an identifier may proceed.
//
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit for the identifier and reports whether the
	// operation is admitted.
	Allow(identifier string) bool
}

// AllowAll is a permissive gate that admits everything.
//
// It exists for tests and for queues without rate limiting configured; using
// it in front of a rate-limited upstream defeats the purpose of admission
// control.
type AllowAll struct{}

// Allow always admits.
func (AllowAll) Allow(string) bool { return true }

// TokenBucket is an in-process token bucket limiter with one bucket per
// identifier. Buckets start full and refill continuously at the configured
// rate up to the burst capacity.
type TokenBucket struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket creates a token bucket limiter from the configuration.
func NewTokenBucket(cfg Config) *TokenBucket {
	rate := cfg.RequestsPerSecond
	if rate <= 0 {
		rate = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rate
	}
	return &TokenBucket{
		rate:    float64(rate),
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token from the identifier's bucket.
func (t *TokenBucket) Allow(identifier string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.buckets[identifier]
	if !ok {
		b = &bucket{tokens: t.burst, last: now}
		t.buckets[identifier] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * t.rate
			if b.tokens > t.burst {
				b.tokens = t.burst
			}
			b.last = now
		}
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Prune drops buckets idle for longer than maxIdle, bounding memory when
// identifiers are high-cardinality (one per recipient). Returns the number
// of buckets removed.
func (t *TokenBucket) Prune(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxIdle)
	removed := 0
	for id, b := range t.buckets {
		if b.last.Before(cutoff) {
			delete(t.buckets, id)
			removed++
		}
	}
	return removed
}

// ForConfig builds the limiter matching a queue configuration: a token
// bucket when enabled, AllowAll otherwise.
func ForConfig(cfg Config) Limiter {
	if !cfg.Enabled {
		return AllowAll{}
	}
	return NewTokenBucket(cfg)
}
