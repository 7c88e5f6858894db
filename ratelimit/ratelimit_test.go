package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance bucket time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func withClock(tb *TokenBucket, c *fakeClock) { tb.now = c.now }

func TestAllowAll(t *testing.T) {
	var l Limiter = AllowAll{}
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("anyone"))
	}
}

func TestForConfig(t *testing.T) {
	assert.IsType(t, AllowAll{}, ForConfig(Config{Enabled: false, RequestsPerSecond: 5}))
	assert.IsType(t, &TokenBucket{}, ForConfig(Config{Enabled: true, RequestsPerSecond: 5}))
}

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Enabled: true, RequestsPerSecond: 1, Burst: 3})
	withClock(tb, clock)

	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow("15550100200"), "burst capacity admits request %d", i+1)
	}
	assert.False(t, tb.Allow("15550100200"), "bucket empty, request denied")
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Enabled: true, RequestsPerSecond: 2, Burst: 2})
	withClock(tb, clock)

	assert.True(t, tb.Allow("key"))
	assert.True(t, tb.Allow("key"))
	assert.False(t, tb.Allow("key"))

	// 2 req/s means one token back after half a second.
	clock.advance(500 * time.Millisecond)
	assert.True(t, tb.Allow("key"))
	assert.False(t, tb.Allow("key"))
}

func TestTokenBucket_RefillCappedAtBurst(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Enabled: true, RequestsPerSecond: 10, Burst: 2})
	withClock(tb, clock)

	assert.True(t, tb.Allow("key"))
	clock.advance(time.Hour)

	assert.True(t, tb.Allow("key"))
	assert.True(t, tb.Allow("key"))
	assert.False(t, tb.Allow("key"), "an idle hour refills to burst, not beyond")
}

func TestTokenBucket_IndependentIdentifiers(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Enabled: true, RequestsPerSecond: 1, Burst: 1})
	withClock(tb, clock)

	assert.True(t, tb.Allow("alice"))
	assert.False(t, tb.Allow("alice"))
	assert.True(t, tb.Allow("bob"), "each identifier has its own bucket")
}

func TestTokenBucket_Defaults(t *testing.T) {
	// Burst defaults to the rate; non-positive rate defaults to 1.
	tb := NewTokenBucket(Config{Enabled: true, RequestsPerSecond: 5})
	assert.Equal(t, 5.0, tb.burst)

	tb = NewTokenBucket(Config{Enabled: true})
	assert.Equal(t, 1.0, tb.rate)
	assert.Equal(t, 1.0, tb.burst)
}

func TestTokenBucket_Prune(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Enabled: true, RequestsPerSecond: 1, Burst: 1})
	withClock(tb, clock)

	tb.Allow("stale")
	clock.advance(2 * time.Hour)
	tb.Allow("fresh")

	assert.Equal(t, 1, tb.Prune(time.Hour))
	assert.Equal(t, 0, tb.Prune(time.Hour))

	// Pruned identifier starts over with a full bucket.
	assert.True(t, tb.Allow("stale"))
}
