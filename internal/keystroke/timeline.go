package keystroke

import (
	"sort"
)

// Timeline is a sorted, immutable event log with memoized per-event text.
//
// TextAt prefers an event's stored snapshot and otherwise derives the text
// from the nearest known point, remembering every value it computes. A
// Timeline is not safe for concurrent use.
type Timeline struct {
	initial string
	events  []Event
	memo    []string
	known   []bool
}

// NewTimeline builds a timeline over a sorted copy of events.
func NewTimeline(initial string, events []Event) *Timeline {
	sorted := Sorted(events)
	return &Timeline{
		initial: initial,
		events:  sorted,
		memo:    make([]string, len(sorted)),
		known:   make([]bool, len(sorted)),
	}
}

// Initial returns the text before the first event.
func (t *Timeline) Initial() string { return t.initial }

// Len returns the number of events.
func (t *Timeline) Len() int { return len(t.events) }

// Event returns the i-th event in timestamp order.
func (t *Timeline) Event(i int) Event { return t.events[i] }

// Events returns a copy of the sorted events.
func (t *Timeline) Events() []Event { return CloneAll(t.events) }

// Prefix returns the first n events. The slice aliases the timeline and
// must not be modified.
func (t *Timeline) Prefix(n int) []Event {
	n = min(max(n, 0), len(t.events))
	return t.events[:n:n]
}

// DurationMs is the timestamp of the last event, or 0 for an empty log.
func (t *Timeline) DurationMs() int64 {
	if len(t.events) == 0 {
		return 0
	}
	return t.events[len(t.events)-1].RelativeTimestampMs
}

// TextAt returns the text immediately after the i-th event.
func (t *Timeline) TextAt(i int) string {
	if s := t.events[i].Snapshot; s != nil {
		return *s
	}
	if t.known[i] {
		return t.memo[i]
	}

	j := i - 1
	for j >= 0 && !t.known[j] && t.events[j].Snapshot == nil {
		j--
	}
	text := t.initial
	if j >= 0 {
		if s := t.events[j].Snapshot; s != nil {
			text = *s
		} else {
			text = t.memo[j]
		}
	}
	for k := j + 1; k <= i; k++ {
		text = Apply(text, t.events[k])
		t.memo[k] = text
		t.known[k] = true
	}
	return text
}

// IndexAtOrAfter returns the first event with timestamp >= ms. When every
// event is earlier it returns the last index; -1 for an empty log.
func (t *Timeline) IndexAtOrAfter(ms float64) int {
	if len(t.events) == 0 {
		return -1
	}
	i := sort.Search(len(t.events), func(i int) bool {
		return float64(t.events[i].RelativeTimestampMs) >= ms
	})
	if i == len(t.events) {
		return len(t.events) - 1
	}
	return i
}

// IndexAtOrBefore returns the last event with timestamp <= ms, or -1 when
// no such event exists.
func (t *Timeline) IndexAtOrBefore(ms float64) int {
	i := sort.Search(len(t.events), func(i int) bool {
		return float64(t.events[i].RelativeTimestampMs) > ms
	})
	return i - 1
}

// TimeAt maps a percentage of the timeline to an absolute time in
// milliseconds. The result is not rounded, so a position just short of an
// event stays before it.
func (t *Timeline) TimeAt(percent float64) float64 {
	return percent / 100 * float64(t.DurationMs())
}

// PercentAt maps a timestamp to a percentage of the timeline, capped at 100.
// A zero-length timeline is always at 100.
func (t *Timeline) PercentAt(ms int64) float64 {
	d := t.DurationMs()
	if d <= 0 {
		return 100
	}
	return min(100, float64(ms)/float64(d)*100)
}
