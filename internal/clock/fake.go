package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Tasks run synchronously on
// the goroutine calling Advance, in due-time order; tasks with the same due
// time run in scheduling order.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*fakeTask
}

type fakeTask struct {
	clock *Fake
	due   time.Time
	seq   uint64
	fn    func()
	done  bool
}

// NewFake returns a Fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run once the fake has advanced by d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d < 0 {
		d = 0
	}
	f.seq++
	t := &fakeTask{clock: f, due: f.now.Add(d), seq: f.seq, fn: fn}
	f.tasks = append(f.tasks, t)
	return t
}

// Advance moves time forward by d, running every task that falls due,
// including tasks scheduled by tasks that ran during this call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		next := f.popDueLocked(target)
		if next == nil {
			break
		}
		if next.due.After(f.now) {
			f.now = next.due
		}
		f.mu.Unlock()
		next.fn()
		f.mu.Lock()
	}
	f.now = target
	f.mu.Unlock()
}

// Pending returns the number of scheduled tasks that have not run or been
// stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *Fake) popDueLocked(target time.Time) *fakeTask {
	best := -1
	for i, t := range f.tasks {
		if t.due.After(target) {
			continue
		}
		if best < 0 || t.due.Before(f.tasks[best].due) ||
			(t.due.Equal(f.tasks[best].due) && t.seq < f.tasks[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	t := f.tasks[best]
	f.tasks = append(f.tasks[:best], f.tasks[best+1:]...)
	t.done = true
	return t
}

func (t *fakeTask) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	for i, other := range f.tasks {
		if other == t {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			break
		}
	}
	return true
}
