package ratelimit

import (
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// SendLimiter throttles outbound messages. Sends are never delayed: an excess send is
// rejected so the caller can decide whether to retry.
type SendLimiter struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
	metrics *Metrics
}

// Metrics tracks statistics about limiter usage.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
}

// New creates a SendLimiter allowing perSecond sends on average with bursts of up to burst.
// A non-positive perSecond disables throttling. A nil clock uses the wall clock.
func New(perSecond float64, burst int, clock clockwork.Clock) *SendLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &SendLimiter{
		limiter: rate.NewLimiter(limit, burst),
		clock:   clock,
		metrics: &Metrics{},
	}
}

// Allow reports whether one send may go out now and consumes a token if so.
func (l *SendLimiter) Allow() bool {
	l.metrics.totalRequests.Add(1)
	allowed := l.limiter.AllowN(l.clock.Now(), 1)
	if allowed {
		l.metrics.allowedRequests.Add(1)
	} else {
		l.metrics.deniedRequests.Add(1)
	}
	return allowed
}

// SetLimit updates the sustained rate and burst.
func (l *SendLimiter) SetLimit(perSecond float64, burst int) {
	now := l.clock.Now()
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	l.limiter.SetLimitAt(now, limit)
	l.limiter.SetBurstAt(now, burst)
}

// Tokens returns the number of sends currently available.
func (l *SendLimiter) Tokens() float64 {
	return l.limiter.TokensAt(l.clock.Now())
}

// Metrics returns a snapshot of the current limiter statistics.
func (l *SendLimiter) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:   l.metrics.totalRequests.Load(),
		AllowedRequests: l.metrics.allowedRequests.Load(),
		DeniedRequests:  l.metrics.deniedRequests.Load(),
	}
}

// MetricsSnapshot is a point-in-time capture of limiter statistics.
type MetricsSnapshot struct {
	// TotalRequests is the total number of checks performed.
	TotalRequests int64
	// AllowedRequests is the number of sends that were allowed.
	AllowedRequests int64
	// DeniedRequests is the number of sends that were rejected.
	DeniedRequests int64
}
