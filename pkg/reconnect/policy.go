// Package reconnect computes reconnection delays and tracks consecutive failed attempts.
package reconnect

import (
	"math"
	"time"

	"sekretar/pkg/core"
)

// Policy holds the exponential backoff parameters. It has no state.
type Policy struct {
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Multiplier is the factor by which the wait grows after each attempt.
	Multiplier float64
	// MaxDelay caps the computed wait.
	MaxDelay time.Duration
	// MaxAttempts is the number of retries allowed before giving up.
	MaxAttempts int
}

// DefaultPolicy returns a Policy of 1s doubling up to 30s over 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// PolicyFromConfig extracts the backoff parameters of a manager configuration.
func PolicyFromConfig(cfg *core.Config) Policy {
	return Policy{
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Delay returns min(BaseDelay * Multiplier^(attempt-1), MaxDelay) for attempt >= 1.
// Attempts below 1 are treated as the first attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(wait, 0) || wait >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(wait)
}

// Exhausted reports whether attempt is past the allowed number of retries.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// Tracker counts consecutive failed connection cycles against a Policy.
// It is not safe for concurrent use; the owning state machine serializes access.
type Tracker struct {
	policy  Policy
	attempt int
}

// NewTracker creates a Tracker starting at attempt zero.
func NewTracker(policy Policy) *Tracker {
	return &Tracker{policy: policy}
}

// Next records a failed cycle and returns the wait before the following attempt.
// ok is false once the retries are exhausted; the counter is not advanced further in that case.
func (t *Tracker) Next() (delay time.Duration, ok bool) {
	if t.policy.Exhausted(t.attempt + 1) {
		return 0, false
	}
	t.attempt++
	return t.policy.Delay(t.attempt), true
}

// Reset sets the attempt counter back to zero.
func (t *Tracker) Reset() {
	t.attempt = 0
}

// Attempt returns the number of retries scheduled since the last reset.
func (t *Tracker) Attempt() int {
	return t.attempt
}

// Policy returns the backoff parameters.
func (t *Tracker) Policy() Policy {
	return t.policy
}
