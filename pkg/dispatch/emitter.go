package dispatch

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

// Listener receives lifecycle events.
type Listener func(ev core.Event)

type listenerEntry struct {
	id   uint64
	kind core.EventKind
	any  bool
	fn   Listener
}

type delivery struct {
	ev      core.Event
	barrier chan struct{}
}

// Emitter delivers lifecycle events to listeners on a dedicated goroutine, in emission order.
// Emit never blocks, so listeners may call back into whoever emits.
type Emitter struct {
	mu        sync.Mutex
	listeners []listenerEntry
	nextID    uint64
	queue     []delivery
	closed    bool
	logger    zerolog.Logger

	signal chan struct{}
	done   chan struct{}
}

// NewEmitter creates an Emitter and starts its delivery goroutine.
func NewEmitter() *Emitter {
	e := &Emitter{
		logger: zerolog.Nop(),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// SetLogger sets the logger used for failing listeners.
func (e *Emitter) SetLogger(logger zerolog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger
}

// On registers fn for events of kind and returns a function that removes it.
func (e *Emitter) On(kind core.EventKind, fn Listener) func() {
	return e.add(listenerEntry{kind: kind, fn: fn})
}

// OnAny registers fn for every event and returns a function that removes it.
func (e *Emitter) OnAny(fn Listener) func() {
	return e.add(listenerEntry{any: true, fn: fn})
}

func (e *Emitter) add(entry listenerEntry) func() {
	e.mu.Lock()
	e.nextID++
	entry.id = e.nextID
	e.listeners = append(e.listeners, entry)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(entry.id) })
	}
}

func (e *Emitter) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = slices.DeleteFunc(e.listeners, func(l listenerEntry) bool { return l.id == id })
}

// Emit queues ev for delivery. Events emitted after Close are dropped.
func (e *Emitter) Emit(ev core.Event) {
	e.enqueue(delivery{ev: ev})
}

// Flush blocks until every event emitted before the call has been delivered.
// It must not be called from a listener.
func (e *Emitter) Flush() {
	barrier := make(chan struct{})
	if !e.enqueue(delivery{barrier: barrier}) {
		return
	}
	select {
	case <-barrier:
	case <-e.done:
	}
}

func (e *Emitter) enqueue(d delivery) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, d)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return true
}

// Close delivers the events already queued, then stops the delivery goroutine.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)

	for range e.signal {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				closed := e.closed
				e.mu.Unlock()
				if closed {
					return
				}
				break
			}
			d := e.queue[0]
			e.queue[0] = delivery{}
			e.queue = e.queue[1:]
			listeners := append([]listenerEntry(nil), e.listeners...)
			logger := e.logger
			e.mu.Unlock()

			if d.barrier != nil {
				close(d.barrier)
				continue
			}
			for _, l := range listeners {
				if !l.any && l.kind != d.ev.Kind {
					continue
				}
				if err := notify(l.fn, d.ev); err != nil {
					logger.Error().Err(err).Str("event", d.ev.Kind.String()).Msg("event listener failed")
				}
			}
		}
	}
}

func notify(fn Listener, ev core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	fn(ev)
	return nil
}
