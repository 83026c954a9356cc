// Package dispatch fans inbound envelopes and lifecycle events out to registered handlers and
// tracks the channels the client wants to receive.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

// Handler processes one inbound domain message.
type Handler func(env core.Envelope) error

type handlerEntry struct {
	id uint64
	fn Handler
}

// Dispatcher routes envelopes to the handlers registered for their type.
// Handlers run synchronously, in registration order, on the caller's goroutine.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
	logger   zerolog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]handlerEntry),
		logger:   zerolog.Nop(),
	}
}

// SetLogger sets the logger used for dropped messages and failing handlers.
func (d *Dispatcher) SetLogger(logger zerolog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = logger
}

// OnMessage registers h for msgType and returns a function that removes it.
func (d *Dispatcher) OnMessage(msgType string, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[msgType] = append(d.handlers[msgType], handlerEntry{id: id, fn: h})

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(msgType, id) })
	}
}

func (d *Dispatcher) remove(msgType string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.handlers[msgType]
	for i, e := range entries {
		if e.id == id {
			// copy so an in-flight Dispatch keeps its snapshot intact
			next := make([]handlerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, msgType)
			} else {
				d.handlers[msgType] = next
			}
			return
		}
	}
}

// Handles reports whether at least one handler is registered for msgType.
func (d *Dispatcher) Handles(msgType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[msgType]) > 0
}

// Dispatch delivers env to every handler of its type and reports whether any was registered.
// A handler that fails or panics is logged; later handlers still run.
func (d *Dispatcher) Dispatch(env core.Envelope) bool {
	d.mu.RLock()
	entries := d.handlers[env.Type]
	logger := d.logger
	d.mu.RUnlock()

	if len(entries) == 0 {
		logger.Debug().
			Str("type", env.Type).
			Str("channel", env.Channel).
			Msg("dropping message without handler")
		return false
	}

	for _, e := range entries {
		if err := invoke(e.fn, env); err != nil {
			logger.Error().
				Err(err).
				Str("type", env.Type).
				Str("channel", env.Channel).
				Msg("message handler failed")
		}
	}
	return true
}

func invoke(fn Handler, env core.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(env)
}
