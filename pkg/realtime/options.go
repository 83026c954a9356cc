package realtime

import (
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"sekretar/internal/transport"
	"sekretar/pkg/core"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	clock      clockwork.Clock
	factory    transport.Factory
	registerer prometheus.Registerer
	labels     prometheus.Labels
	profile    *core.Profile
	header     http.Header
}

func defaultOptions() *options {
	return &options{
		logger: zerolog.Nop(),
		clock:  clockwork.NewRealClock(),
	}
}

// WithLogger sets the logger shared by the manager and its components.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock driving reconnect delays, heartbeats and breaker cool-downs.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// withTransportFactory replaces the factory building transports. Tests use it to script the
// network.
func withTransportFactory(factory transport.Factory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithRegisterer registers the manager metrics with reg under the given constant labels.
func WithRegisterer(reg prometheus.Registerer, labels prometheus.Labels) Option {
	return func(o *options) {
		o.registerer = reg
		o.labels = labels
	}
}

// WithProfile applies a connection profile on top of the config.
func WithProfile(p core.Profile) Option {
	return func(o *options) {
		o.profile = &p
	}
}

// WithHeader adds request headers sent on every handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h.Clone()
	}
}
