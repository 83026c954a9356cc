// Package metrics exposes connection manager telemetry as Prometheus collectors.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "realtime"

// Collector groups the metrics of one connection manager.
type Collector struct {
	state          prometheus.Gauge
	transitions    *prometheus.CounterVec
	reconnects     prometheus.Counter
	rtt            prometheus.Histogram
	messages       *prometheus.CounterVec
	dropped        prometheus.Counter
	sendRejected   *prometheus.CounterVec
	transportFails *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

// New creates a Collector and registers it with reg. A nil reg leaves it unregistered.
func New(reg prometheus.Registerer, constLabels prometheus.Labels) (*Collector, error) {
	c := &Collector{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
			ConstLabels: constLabels,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "transitions_total",
			Help:        "State transitions by target state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_attempts_total",
			Help:        "Scheduled reconnection attempts.",
			ConstLabels: constLabels,
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "rtt_seconds",
			Help:        "Heartbeat round-trip time.",
			ConstLabels: constLabels,
			Buckets:     []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5},
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_total",
			Help:        "Inbound domain messages by type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_dropped_total",
			Help:        "Inbound messages without a handler or with a malformed frame.",
			ConstLabels: constLabels,
		}),
		sendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "send_rejected_total",
			Help:        "Outbound sends rejected by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		transportFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "transport_failures_total",
			Help:        "Transport dial or runtime failures by transport and error type.",
			ConstLabels: constLabels,
		}, []string{"transport", "type"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "transport_breaker_open",
			Help:        "Whether the health breaker of a transport is open (1) or not (0).",
			ConstLabels: constLabels,
		}, []string{"transport"}),
	}

	if reg != nil {
		for _, col := range c.collectors() {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.state, c.transitions, c.reconnects, c.rtt, c.messages,
		c.dropped, c.sendRejected, c.transportFails, c.breakerState,
	}
}

// Transition records entering state with its numeric value.
func (c *Collector) Transition(state string, value int) {
	if c == nil {
		return
	}
	c.state.Set(float64(value))
	c.transitions.WithLabelValues(state).Inc()
}

// Reconnect records a scheduled reconnection attempt.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// RTT records a heartbeat round trip.
func (c *Collector) RTT(d time.Duration) {
	if c == nil {
		return
	}
	c.rtt.Observe(d.Seconds())
}

// Message records an inbound message delivered to handlers.
func (c *Collector) Message(msgType string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(msgType).Inc()
}

// Dropped records an inbound message that reached no handler.
func (c *Collector) Dropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// SendRejected records a refused outbound send.
func (c *Collector) SendRejected(reason string) {
	if c == nil {
		return
	}
	c.sendRejected.WithLabelValues(reason).Inc()
}

// TransportFailure records a failure of transport classified as errType.
func (c *Collector) TransportFailure(transport, errType string) {
	if c == nil {
		return
	}
	c.transportFails.WithLabelValues(transport, errType).Inc()
}

// BreakerOpen records whether the breaker of transport is open.
func (c *Collector) BreakerOpen(transport string, open bool) {
	if c == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	c.breakerState.WithLabelValues(transport).Set(v)
}
