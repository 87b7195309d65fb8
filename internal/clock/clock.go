// Package clock is the timer abstraction shared by the recorder, the
// debouncer and the player. Every scheduled step is an owned Task value that
// its holder cancels explicitly.
package clock

import "time"

// Task is a pending scheduled function.
type Task interface {
	// Stop cancels the task. It returns false if the task already ran or
	// was already stopped.
	Stop() bool
}

// Clock supplies monotonic time and cancellable delayed execution.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

// Real returns a Clock backed by the time package. Durations measured
// between two Now readings use the monotonic clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}
