package realtime

import "sync"

// executor runs posted closures one at a time, in order, on its own goroutine.
// The queue is unbounded so posting never blocks.
type executor struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// post schedules f. It returns false once the executor is stopped.
func (e *executor) post(f func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, f)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return true
}

// call runs f and waits for it to return. It must not be used from inside a closure of e.
func (e *executor) call(f func()) bool {
	finished := make(chan struct{})
	if !e.post(func() {
		defer close(finished)
		f()
	}) {
		return false
	}
	<-finished
	return true
}

// stop runs what is already queued, then ends the goroutine. Later posts are refused.
func (e *executor) stop() {
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

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, f := range batch {
			f()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.signal
	}
}
