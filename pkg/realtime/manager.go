// Package realtime keeps one bidirectional connection to a realtime server alive.
//
// A Manager owns the connection state machine. It dials the best transport the server
// supports, watches it with heartbeats, retries with exponential backoff when it drops and
// reports every step as lifecycle events. All state lives on a single loop goroutine: public
// methods, transport callbacks and timers post closures to it, so nothing is locked and a
// callback of an older connection is recognised by its epoch and dropped.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"sekretar/internal/circuitbreaker"
	"sekretar/internal/metrics"
	"sekretar/internal/ratelimit"
	"sekretar/internal/transport"
	"sekretar/internal/ws"
	"sekretar/pkg/core"
	"sekretar/pkg/credential"
	"sekretar/pkg/dispatch"
	"sekretar/pkg/keepalive"
	"sekretar/pkg/quality"
	"sekretar/pkg/reconnect"
)

// Stats is a point in time view of a Manager.
type Stats struct {
	State             core.ConnState     `json:"state"`
	Quality           quality.Label      `json:"quality"`
	AvgRTT            time.Duration      `json:"avg_rtt"`
	Samples           int                `json:"samples"`
	ReconnectAttempts int                `json:"reconnect_attempts"`
	MaxAttempts       int                `json:"max_attempts"`
	Transport         core.TransportKind `json:"transport,omitempty"`
	Channels          []string           `json:"channels"`
}

// Manager is a realtime connection manager. Create one with New; the zero value is not usable.
type Manager struct {
	cfg    *core.Config
	logger zerolog.Logger
	clock  clockwork.Clock
	header http.Header

	loop       *executor
	inbox      *executor
	emitter    *dispatch.Emitter
	dispatcher *dispatch.Dispatcher
	channels   *dispatch.Channels
	selector   *transport.Selector
	tracker    *reconnect.Tracker
	monitor    *keepalive.Monitor
	estimator  *quality.Estimator
	limiter    *ratelimit.SendLimiter
	metrics    *metrics.Collector
	httpClient *transport.HTTPClient

	state ws.State

	// Owned by the loop goroutine.
	source     credential.Source
	pending    string
	token      string
	epoch      uint64
	conn       transport.Transport
	out        *executor // writes to conn, so a stalled link never blocks the loop
	kind       core.TransportKind
	cancelDial context.CancelFunc
	retry      clockwork.Timer
	retryGen   uint64
	nextDelay  time.Duration
	closed     bool

	// callbacks counts message handlers and listeners currently running.
	callbacks atomic.Int32
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a disconnected Manager for cfg. The config is copied and validated.
func New(cfg *core.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	c := *cfg
	c.Transports = slices.Clone(cfg.Transports)
	if o.profile != nil {
		c.WithProfile(*o.profile)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	collector, err := metrics.New(o.registerer, o.labels)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	m := &Manager{
		cfg:        &c,
		logger:     o.logger,
		clock:      o.clock,
		header:     o.header,
		loop:       newExecutor(),
		inbox:      newExecutor(),
		emitter:    dispatch.NewEmitter(),
		dispatcher: dispatch.NewDispatcher(),
		tracker:    reconnect.NewTracker(reconnect.PolicyFromConfig(&c)),
		estimator:  quality.NewEstimator(c.QualityWindowSize),
		limiter:    ratelimit.New(c.SendRateLimit, c.SendBurst, o.clock),
		metrics:    collector,
	}
	m.emitter.SetLogger(o.logger)
	m.dispatcher.SetLogger(o.logger)
	m.channels = dispatch.NewChannels(link{m})
	m.channels.SetLogger(o.logger)

	factory := o.factory
	if factory == nil {
		m.httpClient = transport.NewHTTPClient(transport.HTTPConfig{RequestTimeout: c.ConnectTimeout}, o.logger)
		factory = transport.NewFactory(transport.Options{Logger: o.logger, HTTP: m.httpClient})
	}
	m.selector = transport.NewSelector(factory, transport.SelectorConfig{
		Order:          c.Transports,
		ConnectTimeout: c.ConnectTimeout,
		Breaker: circuitbreaker.Config{
			FailThreshold: c.BreakerFailThreshold,
			Cooldown:      c.BreakerCooldown,
		},
		Clock:  o.clock,
		Logger: o.logger,
		OnUnsupported: func(kind core.TransportKind, _ error) {
			collector.TransportFailure(kind.String(), core.ErrorTypeTransportInitFailed.Cause())
		},
		OnBreakerChange: func(kind core.TransportKind, _, to circuitbreaker.State) {
			collector.BreakerOpen(kind.String(), to == circuitbreaker.StateOpen)
		},
	})

	m.monitor = keepalive.New(
		keepalive.Config{Interval: c.PingInterval, Timeout: c.PongTimeout},
		m.sendPing,
		keepalive.WithClock(o.clock),
		keepalive.WithExecutor(func(f func()) { m.loop.post(f) }),
		keepalive.WithLogger(o.logger),
		keepalive.OnRTT(m.recordRTT),
		keepalive.OnStale(m.stale),
	)

	m.state.Store(core.StateDisconnected)
	collector.Transition(core.StateDisconnected.String(), int(core.StateDisconnected))
	return m, nil
}

// Connect starts connecting with a bearer token. It is a no-op while connecting or connected.
// Otherwise an empty token fails with core.ErrNoCredentials and an error event; nothing else
// happens.
func (m *Manager) Connect(token string) error {
	if m.state.Load().Active() {
		return nil
	}
	if token == "" {
		err := core.NewConnectionError(core.ErrorTypeNoCredentials, "connect requires a bearer token", core.ErrNoCredentials)
		m.emitError(err)
		return err
	}
	return m.connect(token, credential.Static(token))
}

// ConnectWithSource is Connect with a token taken from source. The source is asked again
// before every later attempt, so a rotating source can replace a rejected token.
func (m *Manager) ConnectWithSource(ctx context.Context, source credential.Source) error {
	if m.state.Load().Active() {
		return nil
	}
	token, err := source.Token(ctx)
	if err == nil && token == "" {
		err = core.ErrNoCredentials
	}
	if err != nil {
		cerr := core.NewConnectionError(core.ErrorTypeNoCredentials, "credential source returned no token", err)
		m.emitError(cerr)
		return cerr
	}
	return m.connect(token, source)
}

func (m *Manager) connect(token string, source credential.Source) error {
	var err error
	ok := m.loop.call(func() {
		if m.closed {
			err = core.ErrClosed
			return
		}
		if m.state.Load().Active() {
			return
		}
		m.source = source
		m.pending = token
		m.cancelRetry()
		m.tracker.Reset()
		m.startAttempt(core.ReasonConnecting)
	})
	if !ok {
		return core.ErrClosed
	}
	return err
}

// Disconnect closes the connection and cancels any pending retry. When it returns no timer
// of the manager is armed.
func (m *Manager) Disconnect() error {
	var err error
	ok := m.loop.call(func() {
		if m.closed {
			err = core.ErrClosed
			return
		}
		m.shutdown()
	})
	if !ok {
		return core.ErrClosed
	}
	return err
}

// ReconnectManually drops whatever the manager is doing and connects again from attempt zero,
// with every transport back in rotation.
func (m *Manager) ReconnectManually() error {
	var err error
	ok := m.loop.call(func() {
		switch {
		case m.closed:
			err = core.ErrClosed
			return
		case m.source == nil:
			err = core.ErrNoCredentials
			return
		}
		m.cancelRetry()
		m.dropConn()
		m.tracker.Reset()
		m.selector.Reset()
		m.startAttempt(core.ReasonManual)
	})
	if !ok {
		return core.ErrClosed
	}
	return err
}

// Send wraps data in an envelope of msgType and writes it to the open transport.
// It fails with core.ErrNotConnected unless connected; nothing is queued.
func (m *Manager) Send(msgType string, data any) error {
	env, err := core.NewEnvelope(msgType, uuid.NewString(), data, m.clock.Now())
	if err != nil {
		return err
	}
	return m.SendEnvelope(env)
}

// SendEnvelope writes env to the open transport, subject to the send rate limit. It waits for
// the write, behind any frame already queued for the connection.
func (m *Manager) SendEnvelope(env core.Envelope) error {
	payload, err := core.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	var (
		tr      transport.Transport
		out     *executor
		sendErr error
	)
	ok := m.loop.call(func() {
		switch {
		case m.closed:
			sendErr = core.ErrClosed
		case m.conn == nil || m.state.Load() != core.StateConnected:
			m.metrics.SendRejected("not_connected")
			sendErr = core.ErrNotConnected
		case !m.limiter.Allow():
			m.metrics.SendRejected("rate_limited")
			sendErr = core.ErrRateLimited
		default:
			tr, out = m.conn, m.out
		}
	})
	if !ok {
		return core.ErrClosed
	}
	if sendErr != nil {
		return sendErr
	}

	if !out.call(func() { sendErr = tr.Send(payload) }) {
		m.metrics.SendRejected("not_connected")
		return core.ErrNotConnected
	}
	if sendErr != nil {
		m.metrics.SendRejected("transport")
	}
	return sendErr
}

// SubscribeChannel adds id to the channel set, joining it right away when connected.
func (m *Manager) SubscribeChannel(id string) error {
	return m.channelOp(id, m.channels.Subscribe)
}

// UnsubscribeChannel removes id from the channel set.
func (m *Manager) UnsubscribeChannel(id string) error {
	return m.channelOp(id, m.channels.Unsubscribe)
}

func (m *Manager) channelOp(id string, op func(string) error) error {
	if id == "" {
		return fmt.Errorf("channel id is required")
	}
	var err error
	ok := m.loop.call(func() {
		if m.closed {
			err = core.ErrClosed
			return
		}
		err = op(id)
	})
	if !ok {
		return core.ErrClosed
	}
	return err
}

// OnMessage registers h for inbound messages of msgType and returns a function that removes it.
// Handlers run on a dedicated goroutine in arrival order and may call back into the manager,
// Close included.
func (m *Manager) OnMessage(msgType string, h dispatch.Handler) func() {
	return m.dispatcher.OnMessage(msgType, h)
}

// On registers fn for lifecycle events of kind and returns a function that removes it.
// Like message handlers, listeners may call back into the manager.
func (m *Manager) On(kind core.EventKind, fn dispatch.Listener) func() {
	return m.emitter.On(kind, m.listener(fn))
}

// OnAny registers fn for every lifecycle event.
func (m *Manager) OnAny(fn dispatch.Listener) func() {
	return m.emitter.OnAny(m.listener(fn))
}

// OnStateChange registers fn for state transitions.
func (m *Manager) OnStateChange(fn func(state, previous core.ConnState, reason string)) func() {
	return m.On(core.EventStateChange, func(ev core.Event) {
		fn(ev.State, ev.Previous, ev.Reason)
	})
}

func (m *Manager) listener(fn dispatch.Listener) dispatch.Listener {
	return func(ev core.Event) {
		m.callbacks.Add(1)
		defer m.callbacks.Add(-1)
		fn(ev)
	}
}

// State returns the current connection state. It is safe to call from any goroutine.
func (m *Manager) State() core.ConnState {
	return m.state.Load()
}

// Stats returns a snapshot of the connection.
func (m *Manager) Stats() Stats {
	var s Stats
	ok := m.loop.call(func() {
		snap := m.estimator.Snapshot()
		s = Stats{
			State:             m.state.Load(),
			Quality:           snap.Label,
			AvgRTT:            snap.Average,
			Samples:           snap.Samples,
			ReconnectAttempts: m.tracker.Attempt(),
			MaxAttempts:       m.tracker.Policy().MaxAttempts,
			Transport:         m.kind,
			Channels:          m.channels.Members(),
		}
	})
	if !ok {
		s = Stats{State: m.state.Load(), Quality: quality.LabelUnknown, Channels: m.channels.Members()}
	}
	return s
}

// Close disconnects and releases the manager. Pending lifecycle events are still delivered.
//
// Close waits until no handler or listener runs any more. Called while one is running, from
// a handler itself for instance, it returns once the connection is down and lets the handler
// and listener goroutines finish on their own.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		inCallback := m.callbacks.Load() > 0
		m.loop.call(func() {
			m.shutdown()
			m.closed = true
		})
		m.loop.stop()
		m.workers.Wait()
		if inCallback {
			go m.release()
			return
		}
		m.release()
	})
	return nil
}

// release stops the handler and listener goroutines once their queues are drained.
func (m *Manager) release() {
	m.inbox.stop()
	m.emitter.Close()
	if m.httpClient != nil {
		if err := m.httpClient.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("failed to close http client")
		}
	}
}

// link lets the channel set reach the open transport. It is only used on the loop.
type link struct {
	m *Manager
}

func (l link) Connected() bool {
	return l.m.conn != nil && l.m.state.Load() == core.StateConnected
}

func (l link) SendEnvelope(env core.Envelope) error {
	return l.m.sendControl(env)
}

func transportOf(err error) core.TransportKind {
	var connErr *core.ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Transport
	}
	return ""
}
