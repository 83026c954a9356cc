package transport

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"sekretar/internal/circuitbreaker"
	"sekretar/pkg/core"
)

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	// Order is the preference order; the first kind is the primary transport.
	Order          []core.TransportKind
	ConnectTimeout time.Duration
	Breaker        circuitbreaker.Config
	Clock          clockwork.Clock
	Logger         zerolog.Logger

	// OnUnsupported is called when a kind is taken out of rotation by an init failure.
	OnUnsupported func(kind core.TransportKind, err error)
	// OnBreakerChange observes the per kind breakers.
	OnBreakerChange func(kind core.TransportKind, from, to circuitbreaker.State)
}

// Selector walks the transport preference order, falling back on init failures.
type Selector struct {
	factory Factory
	order   []core.TransportKind
	timeout time.Duration
	logger  zerolog.Logger

	onUnsupported func(core.TransportKind, error)

	mu          sync.Mutex
	unsupported map[core.TransportKind]bool
	breakers    map[core.TransportKind]*circuitbreaker.Breaker
}

// NewSelector creates a Selector over factory.
func NewSelector(factory Factory, config SelectorConfig) *Selector {
	if len(config.Order) == 0 {
		config.Order = core.DefaultTransportOrder
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultHandshakeTimeout
	}
	s := &Selector{
		factory:       factory,
		order:         slices.Clone(config.Order),
		timeout:       config.ConnectTimeout,
		logger:        config.Logger,
		onUnsupported: config.OnUnsupported,
		unsupported:   make(map[core.TransportKind]bool),
		breakers:      make(map[core.TransportKind]*circuitbreaker.Breaker, len(config.Order)),
	}
	if s.onUnsupported == nil {
		s.onUnsupported = func(core.TransportKind, error) {}
	}
	for _, kind := range s.order {
		b := circuitbreaker.New(kind.String(), config.Breaker, config.Clock)
		if fn := config.OnBreakerChange; fn != nil {
			k := kind
			b.OnStateChange(func(_ string, from, to circuitbreaker.State) { fn(k, from, to) })
		}
		s.breakers[kind] = b
	}
	return s
}

// Order returns the preference order.
func (s *Selector) Order() []core.TransportKind {
	return slices.Clone(s.order)
}

// Primary returns the most preferred kind.
func (s *Selector) Primary() core.TransportKind {
	return s.order[0]
}

// Supported returns the kinds not marked unsupported, in preference order.
func (s *Selector) Supported() []core.TransportKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supportedLocked()
}

func (s *Selector) supportedLocked() []core.TransportKind {
	kinds := make([]core.TransportKind, 0, len(s.order))
	for _, kind := range s.order {
		if !s.unsupported[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// MarkUnsupported takes kind out of rotation until Reset.
func (s *Selector) MarkUnsupported(kind core.TransportKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsupported[kind] = true
}

// Reset clears the unsupported marks and closes every breaker.
func (s *Selector) Reset() {
	s.mu.Lock()
	s.unsupported = make(map[core.TransportKind]bool)
	s.mu.Unlock()
	for _, b := range s.breakers {
		b.Reset()
	}
}

// Breaker returns the breaker guarding kind.
func (s *Selector) Breaker(kind core.TransportKind) *circuitbreaker.Breaker {
	return s.breakers[kind]
}

// next picks the first supported kind whose breaker admits a request. When every
// supported breaker is open the first supported kind is used anyway.
func (s *Selector) next() (core.TransportKind, bool) {
	supported := s.Supported()
	if len(supported) == 0 {
		return "", false
	}
	for _, kind := range supported {
		if s.breakers[kind].Allow() {
			return kind, true
		}
	}
	s.logger.Debug().Msg("all transport breakers open, ignoring them")
	return supported[0], true
}

// Dial opens the best available transport. Init failures mark the kind unsupported and
// move on to the next one immediately; any other failure ends the cycle. When no kind is
// left the error is of type TransportInitFailed.
func (s *Selector) Dial(ctx context.Context, target Target, handlerFor func(core.TransportKind) Handler) (Transport, error) {
	var lastInit error
	for {
		kind, ok := s.next()
		if !ok {
			err := core.NewConnectionError(core.ErrorTypeTransportInitFailed, "no supported transport left", core.ErrTransportInit)
			if lastInit != nil {
				err.Cause = lastInit
			}
			return nil, err
		}

		t, err := s.dialOne(ctx, kind, target, handlerFor(kind))
		if err == nil {
			s.breakers[kind].Record(true)
			return t, nil
		}
		if ctx.Err() != nil {
			return nil, networkError(kind, "dial cancelled", ctx.Err())
		}

		switch core.Classify(err) {
		case core.ErrorTypeTransportInitFailed:
			lastInit = err
			s.MarkUnsupported(kind)
			s.logger.Warn().Err(err).Str("transport", kind.String()).Msg("transport unsupported, falling back")
			s.onUnsupported(kind, err)
		case core.ErrorTypeNetwork:
			s.breakers[kind].Record(false)
			return nil, err
		default:
			return nil, err
		}
	}
}

func (s *Selector) dialOne(ctx context.Context, kind core.TransportKind, target Target, h Handler) (Transport, error) {
	t, err := s.factory(kind)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = t.Dial(attemptCtx, target, h)
	if err == nil {
		return t, nil
	}
	_ = t.Close()
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, networkError(kind, "connect timeout", context.DeadlineExceeded)
	}
	return nil, err
}
