// Package debounce coalesces bursts of calls into a single trailing-edge
// delivery.
package debounce

import (
	"sync"
	"time"

	"keyreplay/internal/clock"
)

// DefaultWindow is the quiescence period used when none is configured.
const DefaultWindow = 300 * time.Millisecond

// Emitter delivers only the last value passed to Call within a quiescence
// window. It owns at most one pending task.
type Emitter[T any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	fn      func(T)
	task    clock.Task
	gen     uint64
	value   T
	pending bool
}

// New returns an Emitter that calls fn once window has elapsed with no
// further Call.
func New[T any](c clock.Clock, window time.Duration, fn func(T)) *Emitter[T] {
	if c == nil {
		c = clock.Real()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Emitter[T]{clock: c, window: window, fn: fn}
}

// Call records v as the value to deliver and restarts the window.
func (e *Emitter[T]) Call(v T) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	e.value = v
	e.pending = true
	gen := e.gen
	e.task = e.clock.AfterFunc(e.window, func() { e.fire(gen) })
}

// Flush delivers the pending value now, if any.
func (e *Emitter[T]) Flush() {
	e.mu.Lock()
	if !e.pending {
		e.mu.Unlock()
		return
	}
	e.stopLocked()
	v := e.take()
	e.mu.Unlock()
	e.fn(v)
}

// Cancel discards the pending value without delivering it.
func (e *Emitter[T]) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	e.take()
}

// Pending reports whether a delivery is scheduled.
func (e *Emitter[T]) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *Emitter[T]) fire(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || !e.pending {
		e.mu.Unlock()
		return
	}
	e.task = nil
	v := e.take()
	e.mu.Unlock()
	e.fn(v)
}

// stopLocked cancels the scheduled task and invalidates any callback that
// already started running.
func (e *Emitter[T]) stopLocked() {
	if e.task != nil {
		e.task.Stop()
		e.task = nil
	}
	e.gen++
}

func (e *Emitter[T]) take() T {
	var zero T
	v := e.value
	e.value = zero
	e.pending = false
	return v
}
