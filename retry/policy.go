// Package retry provides backoff policies for failed message deliveries.
// It implements exponential, linear and fixed delay schedules with a
// configurable cap.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind selects the backoff curve of a Policy.
type Kind string

const (
	// Exponential doubles the delay on every attempt: base * 2^(attempt-1).
	Exponential Kind = "exponential"

	// Linear grows the delay proportionally: base * attempt.
	Linear Kind = "linear"

	// Fixed uses the base delay for every attempt.
	Fixed Kind = "fixed"
)

// Policy defines the retry behavior for failed deliveries.
//
// The attempt number fed into Delay is the message's post-increment attempt
// count: the first retry after the first failed try uses attempt=1.
type Policy struct {
	Kind      Kind          `json:"kind"`
	BaseDelay time.Duration `json:"baseDelay"`
	MaxDelay  time.Duration `json:"maxDelay"` // 0 means uncapped
}

// Default returns the production default: exponential backoff starting at 1s,
// capped at 5 minutes.
func Default() Policy {
	return Policy{
		Kind:      Exponential,
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Minute,
	}
}

// Validate checks that the policy is internally consistent.
func (p Policy) Validate() error {
	switch p.Kind {
	case Exponential, Linear, Fixed, "":
	default:
		return fmt.Errorf("unknown retry kind %q", p.Kind)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay must not be negative")
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay must not be negative")
	}
	return nil
}

// Delay computes the backoff before the given attempt.
// Attempts below 1 are treated as 1. The result never exceeds MaxDelay when
// a cap is configured.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var d time.Duration
	switch p.Kind {
	case Linear:
		d = base * time.Duration(attempt)
	case Fixed:
		d = base
	default: // Exponential
		f := float64(base) * math.Pow(2, float64(attempt-1))
		if f > math.MaxInt64 {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retryable reports whether another attempt is allowed.
// A message is retried while attempts < maxRetries; once the ceiling is
// reached it is permanently failed.
func (p Policy) Retryable(attempts, maxRetries int) bool {
	return attempts < maxRetries
}

// Schedule returns a human-readable description of the retry schedule up to
// maxRetries attempts. Useful in logs and operator tooling.
func (p Policy) Schedule(maxRetries int) string {
	var b strings.Builder
	b.WriteString("Retry Schedule:\n")
	for i := 1; i <= maxRetries; i++ {
		fmt.Fprintf(&b, "  Attempt %d: after %v\n", i, p.Delay(i))
	}
	b.WriteString("  → permanent failure\n")
	return b.String()
}
