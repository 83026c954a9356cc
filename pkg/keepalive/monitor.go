// Package keepalive detects half-open connections with application level heartbeats.
//
// A Monitor sends one heartbeat per interval, never more than one at a time, and declares the
// connection stale when a heartbeat goes unanswered for the pong timeout. Pongs that arrive
// after the timeout, or that answer a heartbeat of an earlier run, are ignored.
package keepalive

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Config holds the heartbeat timing.
type Config struct {
	// Interval is the time between heartbeats.
	Interval time.Duration
	// Timeout is how long a heartbeat may stay unanswered.
	Timeout time.Duration
}

// DefaultConfig returns a Config of a 30s interval and a 10s timeout.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Heartbeat is one liveness probe.
type Heartbeat struct {
	ID     string
	SentAt time.Time
	// RTT is set once the matching pong was received.
	RTT time.Duration
}

// SendFunc writes a heartbeat carrying id to the transport.
type SendFunc func(id string) error

// Option is a functional option for configuring a Monitor.
type Option func(*Monitor)

// WithClock returns an option that sets the clock driving the timers.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithExecutor returns an option that routes timer callbacks through exec.
// A state machine running on a single goroutine passes its own post function here.
func WithExecutor(exec func(func())) Option {
	return func(m *Monitor) {
		m.exec = exec
	}
}

// WithLogger returns an option that sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// OnRTT returns an option that registers the callback receiving measured round trips.
func OnRTT(fn func(time.Duration)) Option {
	return func(m *Monitor) {
		m.onRTT = fn
	}
}

// OnStale returns an option that registers the callback invoked when a heartbeat times out.
func OnStale(fn func()) Option {
	return func(m *Monitor) {
		m.onStale = fn
	}
}

// Monitor schedules heartbeats and tracks the outstanding one.
type Monitor struct {
	config  Config
	send    SendFunc
	clock   clockwork.Clock
	exec    func(func())
	logger  zerolog.Logger
	onRTT   func(time.Duration)
	onStale func()

	mu          sync.Mutex
	running     bool
	gen         uint64
	outstanding *Heartbeat
	last        Heartbeat
	interval    clockwork.Timer
	pongTimer   clockwork.Timer
}

// New creates a stopped Monitor that sends heartbeats through send.
func New(config Config, send SendFunc, opts ...Option) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	m := &Monitor{
		config:  config,
		send:    send,
		clock:   clockwork.NewRealClock(),
		exec:    func(f func()) { f() },
		logger:  zerolog.Nop(),
		onRTT:   func(time.Duration) {},
		onStale: func() {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins the heartbeat schedule. The first heartbeat goes out after one interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.gen++
	m.outstanding = nil
	m.armIntervalLocked(m.gen)
}

// Stop cancels every timer and forgets the outstanding heartbeat.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Running reports whether the schedule is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Tick sends a heartbeat unless one is already outstanding. It reports whether one was sent.
func (m *Monitor) Tick() bool {
	m.mu.Lock()
	if !m.running || m.outstanding != nil {
		m.mu.Unlock()
		return false
	}

	hb := &Heartbeat{ID: uuid.NewString(), SentAt: m.clock.Now()}
	m.outstanding = hb
	gen := m.gen
	m.pongTimer = m.clock.AfterFunc(m.config.Timeout, func() {
		m.exec(func() { m.expire(gen, hb.ID) })
	})
	m.mu.Unlock()

	if err := m.send(hb.ID); err != nil {
		// The pong timer stays armed; a dead transport surfaces as a stale connection.
		m.logger.Warn().Err(err).Str("heartbeat_id", hb.ID).Msg("failed to send heartbeat")
	} else {
		m.logger.Debug().Str("heartbeat_id", hb.ID).Msg("heartbeat sent")
	}
	return true
}

// HandlePong completes the outstanding heartbeat if id matches it. An empty id matches any
// outstanding heartbeat. It reports whether the pong was accepted.
func (m *Monitor) HandlePong(id string) bool {
	m.mu.Lock()
	hb := m.outstanding
	if !m.running || hb == nil || (id != "" && id != hb.ID) {
		m.mu.Unlock()
		m.logger.Debug().Str("heartbeat_id", id).Msg("ignoring unexpected pong")
		return false
	}

	hb.RTT = m.clock.Since(hb.SentAt)
	m.outstanding = nil
	m.last = *hb
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.mu.Unlock()

	m.onRTT(hb.RTT)
	return true
}

// Outstanding returns the heartbeat awaiting a pong, if any.
func (m *Monitor) Outstanding() (Heartbeat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding == nil {
		return Heartbeat{}, false
	}
	return *m.outstanding, true
}

// Last returns the most recently completed heartbeat.
func (m *Monitor) Last() Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) armIntervalLocked(gen uint64) {
	m.interval = m.clock.AfterFunc(m.config.Interval, func() {
		m.exec(func() { m.fire(gen) })
	})
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.armIntervalLocked(gen)
	m.mu.Unlock()

	m.Tick()
}

func (m *Monitor) expire(gen uint64, id string) {
	m.mu.Lock()
	if !m.running || gen != m.gen || m.outstanding == nil || m.outstanding.ID != id {
		m.mu.Unlock()
		return
	}
	m.logger.Warn().
		Str("heartbeat_id", id).
		Dur("timeout", m.config.Timeout).
		Msg("heartbeat unanswered, connection is stale")
	m.stopLocked()
	m.mu.Unlock()

	m.onStale()
}

func (m *Monitor) stopLocked() {
	m.running = false
	m.gen++
	m.outstanding = nil
	if m.interval != nil {
		m.interval.Stop()
		m.interval = nil
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}
