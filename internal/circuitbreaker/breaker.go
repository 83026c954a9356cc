package circuitbreaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the thresholds of a Breaker. A zero FailThreshold never opens the breaker.
type Config struct {
	FailThreshold    int           `json:"fail_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
}

// Breaker takes a failing dependency out of rotation for a cool-down period.
// In this module each transport kind has one; dial outcomes are recorded against it.
type Breaker struct {
	name   string
	config Config
	clock  clockwork.Clock

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	onChange  func(name string, from, to State)

	metrics Metrics
}

type Metrics struct {
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	rejected        int64
	stateChanges    int32
}

// New creates a closed Breaker. A nil clock uses the wall clock.
func New(name string, config Config, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &Breaker{
		name:     name,
		config:   config,
		clock:    clock,
		state:    StateClosed,
		onChange: func(string, State, State) {},
	}
}

// OnStateChange registers fn to observe transitions. fn runs with the breaker unlocked.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Name returns the name given at construction.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a request may go through. An open breaker lets one probe through
// once its cool-down has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	b.metrics.totalRequests++

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	case StateOpen:
		if b.clock.Since(b.openedAt) >= b.config.Cooldown {
			from, to := b.transitionLocked(StateHalfOpen)
			fn := b.onChange
			b.mu.Unlock()
			fn(b.name, from, to)
			return true
		}
	}
	b.metrics.rejected++
	b.mu.Unlock()
	return false
}

// Record feeds the outcome of a request into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	if success {
		b.metrics.successRequests++
	} else {
		b.metrics.failedRequests++
	}

	from, to := b.state, b.state
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.config.FailThreshold > 0 && b.failures >= b.config.FailThreshold {
			from, to = b.openLocked()
		}
	case StateHalfOpen:
		if !success {
			from, to = b.openLocked()
			break
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			from, to = b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// outcomes of requests admitted before the breaker opened do not move it
	}
	fn := b.onChange
	b.mu.Unlock()

	if from != to {
		fn(b.name, from, to)
	}
}

func (b *Breaker) openLocked() (State, State) {
	b.openedAt = b.clock.Now()
	return b.transitionLocked(StateOpen)
}

func (b *Breaker) transitionLocked(newState State) (State, State) {
	from := b.state
	b.state = newState
	b.failures = 0
	b.successes = 0
	b.metrics.stateChanges++
	return from, newState
}

// State returns the current state without advancing an expired cool-down.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAt returns when an open breaker admits its next probe, or the zero time otherwise.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.config.Cooldown)
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	fn := b.onChange
	b.mu.Unlock()

	if from != StateClosed {
		fn(b.name, from, StateClosed)
	}
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Successes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.successes
}

func (b *Breaker) Metrics() MetricsSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return MetricsSnapshot{
		TotalRequests:    b.metrics.totalRequests,
		SuccessRequests:  b.metrics.successRequests,
		FailedRequests:   b.metrics.failedRequests,
		RejectedRequests: b.metrics.rejected,
		StateChanges:     b.metrics.stateChanges,
		CurrentState:     b.state.String(),
	}
}

type MetricsSnapshot struct {
	TotalRequests    int64
	SuccessRequests  int64
	FailedRequests   int64
	RejectedRequests int64
	StateChanges     int32
	CurrentState     string
}
