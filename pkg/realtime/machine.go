package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sekretar/internal/transport"
	"sekretar/pkg/core"
	"sekretar/pkg/credential"
)

// Everything in this file runs on the loop goroutine unless noted otherwise.

func (m *Manager) startAttempt(reason string) {
	m.epoch++
	epoch := m.epoch
	m.kind = ""
	m.transition(core.StateConnecting, reason)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	token, source := m.pending, m.source
	m.pending = ""
	target := transport.Target{URL: m.cfg.URL, Paths: m.cfg.Paths, Header: m.header}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		m.dial(ctx, epoch, source, token, target)
	}()
}

// dial runs on its own goroutine and reports back to the loop.
func (m *Manager) dial(ctx context.Context, epoch uint64, source credential.Source, token string, target transport.Target) {
	if token == "" {
		t, err := source.Token(ctx)
		if err == nil && t == "" {
			err = core.ErrNoCredentials
		}
		if err != nil {
			err = core.NewConnectionError(core.ErrorTypeNoCredentials, "credential source returned no token", err)
			m.loop.post(func() { m.attemptFailed(epoch, "", err) })
			return
		}
		token = t
	}
	target.Token = token

	conn := newConnection(m, epoch)
	tr, err := m.selector.Dial(ctx, target, func(core.TransportKind) transport.Handler { return conn })
	if err != nil {
		m.loop.post(func() { m.attemptFailed(epoch, token, err) })
		return
	}
	if !m.loop.post(func() { m.attemptSucceeded(epoch, token, tr, conn) }) {
		conn.release()
		_ = tr.Close()
	}
}

func (m *Manager) attemptSucceeded(epoch uint64, token string, tr transport.Transport, conn *connection) {
	conn.release()
	if m.closed || epoch != m.epoch || m.state.Load() != core.StateConnecting {
		m.logger.Debug().Str("transport", tr.Kind().String()).Msg("discarding superseded connection")
		m.closeAsync(tr, nil)
		return
	}
	m.cancelAttempt()

	m.conn = tr
	m.out = newExecutor()
	m.kind = tr.Kind()
	m.token = token
	m.tracker.Reset()
	m.estimator.Reset()

	m.transition(core.StateConnected, core.ReasonOpened)
	m.emit(core.Event{Kind: core.EventConnected, Transport: m.kind})
	m.channels.Resubscribe()
	m.monitor.Start()
}

func (m *Manager) attemptFailed(epoch uint64, token string, err error) {
	if epoch != m.epoch || m.state.Load() != core.StateConnecting {
		return
	}
	m.cancelAttempt()

	t := core.Classify(err)
	m.metrics.TransportFailure(transportOf(err).String(), t.Cause())
	m.logger.Warn().Err(err).Str("type", t.String()).Msg("connection attempt failed")
	m.emitError(err)

	switch t {
	case core.ErrorTypeNoCredentials:
		m.transition(core.StateDisconnected, core.ErrorReason(t))
		return
	case core.ErrorTypeUnauthorized:
		if r, ok := m.source.(credential.Rejecter); ok && token != "" {
			r.Reject(token)
		}
	}
	m.scheduleRetry(core.ErrorReason(t))
}

func (m *Manager) connectionLost(epoch uint64, err error) {
	if epoch != m.epoch || m.state.Load() != core.StateConnected {
		return
	}
	t := core.Classify(err)
	reason := core.ClosedReason(t)
	m.logger.Warn().Err(err).Str("transport", m.kind.String()).Msg("connection lost")
	m.metrics.TransportFailure(m.kind.String(), t.Cause())

	m.dropConn()
	m.emit(core.Event{Kind: core.EventDisconnected, Reason: reason})
	m.emitError(err)
	m.scheduleRetry(reason)
}

// stale is called by the keepalive monitor after an unanswered heartbeat.
func (m *Manager) stale() {
	if m.state.Load() != core.StateConnected {
		return
	}
	err := core.NewConnectionError(core.ErrorTypeStaleConnection, "heartbeat unanswered", core.ErrStale).WithTransport(m.kind)
	m.metrics.TransportFailure(m.kind.String(), core.ErrorTypeStaleConnection.Cause())

	m.dropConn()
	m.emit(core.Event{Kind: core.EventDisconnected, Reason: core.ReasonStale})
	m.emitError(err)
	m.scheduleRetry(core.ReasonStale)
}

func (m *Manager) scheduleRetry(reason string) {
	delay, ok := m.tracker.Next()
	if !ok {
		attempts := m.tracker.Attempt()
		m.transition(core.StateFailed, core.ReasonMaxAttemptsReached)
		err := core.NewConnectionError(core.ErrorTypeMaxAttemptsExceeded,
			fmt.Sprintf("gave up after %d reconnect attempts", attempts), core.ErrMaxAttempts)
		m.emit(core.Event{Kind: core.EventMaxAttemptsReached, Attempt: attempts, Err: err})
		m.emitError(err)
		return
	}

	m.nextDelay = delay
	m.transition(core.StateReconnecting, reason)
	m.emit(core.Event{Kind: core.EventReconnecting, Attempt: m.tracker.Attempt(), Delay: delay})
	m.metrics.Reconnect()

	m.retryGen++
	gen := m.retryGen
	m.retry = m.clock.AfterFunc(delay, func() {
		m.loop.post(func() { m.retryElapsed(gen) })
	})
}

func (m *Manager) retryElapsed(gen uint64) {
	if m.closed || gen != m.retryGen || m.state.Load() != core.StateReconnecting {
		return
	}
	m.retry = nil
	m.startAttempt(core.ReasonRetry)
}

func (m *Manager) cancelRetry() {
	m.retryGen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) cancelAttempt() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

// dropConn abandons the in-flight attempt and the open transport. Callbacks still queued for
// them are ignored afterwards.
func (m *Manager) dropConn() {
	m.monitor.Stop()
	m.cancelAttempt()
	if m.conn != nil {
		m.closeAsync(m.conn, m.out)
		m.conn, m.out = nil, nil
	}
	m.token = ""
	m.epoch++
}

// shutdown brings the manager to Disconnected on behalf of the client.
func (m *Manager) shutdown() {
	from := m.state.Load()
	m.cancelRetry()
	m.dropConn()
	m.kind = ""
	if from == core.StateDisconnected {
		return
	}
	m.transition(core.StateDisconnected, core.ReasonClientClosed)
	m.emit(core.Event{Kind: core.EventDisconnected, Reason: core.ReasonClientClosed})
}

// closeAsync closes tr and then retires its writer. Closing the transport first fails a
// write that is stuck on a dead link, so the writer can drain.
func (m *Manager) closeAsync(tr transport.Transport, out *executor) {
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		if err := tr.Close(); err != nil {
			m.logger.Debug().Err(err).Str("transport", tr.Kind().String()).Msg("transport close failed")
		}
		if out != nil {
			out.stop()
		}
	}()
}

func (m *Manager) transition(to core.ConnState, reason string) {
	from := m.state.Store(to)
	m.metrics.Transition(to.String(), int(to))
	m.logger.Info().
		Str("from", from.String()).
		Str("state", to.String()).
		Str("reason", reason).
		Msg("connection state changed")

	m.emit(core.Event{Kind: core.EventStateChange, State: to, Previous: from, Reason: reason})
	status, message := m.status(to)
	ev := core.Event{Kind: core.EventStatusChange, State: to, Status: status, Message: message}
	if to == core.StateConnected {
		ev.Transport = m.kind
	}
	m.emit(ev)
}

func (m *Manager) status(state core.ConnState) (core.Status, string) {
	switch state {
	case core.StateConnecting:
		return core.StatusConnecting, "Connecting..."
	case core.StateConnected:
		if m.kind != m.selector.Primary() {
			return core.StatusDegraded, m.kind.Describe()
		}
		return core.StatusConnected, m.kind.Describe()
	case core.StateReconnecting:
		return core.StatusReconnecting, fmt.Sprintf("Connection lost, retrying in %s (attempt %d of %d)",
			m.nextDelay, m.tracker.Attempt(), m.tracker.Policy().MaxAttempts)
	case core.StateFailed:
		return core.StatusFailed, "Unable to connect. Reconnect manually to try again."
	default:
		return core.StatusDisconnected, "Disconnected"
	}
}

func (m *Manager) handleEnvelope(epoch uint64, env core.Envelope) {
	if epoch != m.epoch || m.state.Load() != core.StateConnected {
		return
	}
	switch env.Type {
	case core.TypePing:
		if err := m.sendControl(core.PongEnvelope(env.ID, m.clock.Now())); err != nil {
			m.logger.Warn().Err(err).Msg("failed to answer server ping")
		}
	case core.TypePong:
		m.monitor.HandlePong(env.ID)
	case core.TypeSubscribe, core.TypeUnsubscribe:
		m.logger.Debug().Str("type", env.Type).Str("channel", env.Channel).Msg("channel request acknowledged")
	default:
		m.metrics.Message(env.Type)
		m.inbox.post(func() {
			m.callbacks.Add(1)
			defer m.callbacks.Add(-1)
			if !m.dispatcher.Dispatch(env) {
				m.metrics.Dropped()
			}
		})
	}
}

func (m *Manager) malformed(epoch uint64, err error) {
	if epoch != m.epoch {
		return
	}
	m.metrics.Dropped()
	m.emitError(err)
}

func (m *Manager) transportError(epoch uint64, err error) {
	if epoch != m.epoch {
		return
	}
	m.logger.Warn().Err(err).Str("transport", m.kind.String()).Msg("transport error")
	m.emitError(err)
}

func (m *Manager) sendPing(id string) error {
	return m.sendControl(core.PingEnvelope(id, m.clock.Now()))
}

// sendControl queues env on the connection writer. Write errors are only logged; a link
// that stops taking writes is caught by the heartbeat.
func (m *Manager) sendControl(env core.Envelope) error {
	if m.conn == nil {
		return core.ErrNotConnected
	}
	payload, err := core.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	tr := m.conn
	m.out.post(func() {
		if err := tr.Send(payload); err != nil {
			m.logger.Warn().Err(err).
				Str("type", env.Type).
				Str("transport", tr.Kind().String()).
				Msg("failed to write control frame")
		}
	})
	return nil
}

func (m *Manager) recordRTT(rtt time.Duration) {
	m.metrics.RTT(rtt)
	snap, changed := m.estimator.Record(rtt)
	m.logger.Debug().Dur("rtt", rtt).Str("quality", string(snap.Label)).Msg("heartbeat answered")
	if changed {
		m.emit(core.Event{Kind: core.EventQualityChange, Quality: snap.Label, AvgRTT: snap.Average})
	}
}

// emit is safe from any goroutine.
func (m *Manager) emit(ev core.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}
	m.emitter.Emit(ev)
}

// emitError is safe from any goroutine.
func (m *Manager) emitError(err error) {
	m.logger.Debug().Err(err).Msg("emitting error event")
	m.emit(core.Event{Kind: core.EventError, Err: err})
}

// connection receives the callbacks of the transports dialed for one attempt. Callbacks are
// held back until the loop has seen the dial result so they never overtake it; a transport
// may deliver its first messages from inside Dial.
type connection struct {
	m     *Manager
	epoch uint64

	mu    sync.Mutex
	ready bool
	held  []func()
}

func newConnection(m *Manager, epoch uint64) *connection {
	return &connection{m: m, epoch: epoch}
}

// release queues the held callbacks behind the closure currently running on the loop.
func (c *connection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return
	}
	c.ready = true
	for _, f := range c.held {
		c.m.loop.post(f)
	}
	c.held = nil
}

func (c *connection) deliver(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.held = append(c.held, f)
		return
	}
	c.m.loop.post(f)
}

func (c *connection) OnOpen() {
	c.m.logger.Debug().Uint64("epoch", c.epoch).Msg("transport open")
}

func (c *connection) OnMessage(data []byte) {
	env, err := core.DecodeEnvelope(data)
	if err != nil {
		c.deliver(func() { c.m.malformed(c.epoch, err) })
		return
	}
	c.deliver(func() { c.m.handleEnvelope(c.epoch, env) })
}

func (c *connection) OnError(err error) {
	c.deliver(func() { c.m.transportError(c.epoch, err) })
}

func (c *connection) OnClose(err error) {
	c.deliver(func() { c.m.connectionLost(c.epoch, err) })
}

var _ transport.Handler = (*connection)(nil)
