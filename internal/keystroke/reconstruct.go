package keystroke

import (
	"fmt"
	"slices"
	"strings"
)

// Apply returns text with ev applied. Offsets count runes.
//
//   - Insert pads text with spaces up to Position, then splices Value in.
//   - Delete removes the slice [Position-1, Position-1+Length) when
//     Position is inside the text; a caret at offset 0 is a no-op.
//   - Replace substitutes Value for [Position, Position+Length), clamped to
//     the text and never padded.
func Apply(text string, ev Event) string {
	r := []rune(text)
	switch ev.Kind {
	case Insert:
		pos := max(ev.Position, 0)
		if pos > len(r) {
			text += strings.Repeat(" ", pos-len(r))
			return text + ev.Value
		}
		return string(r[:pos]) + ev.Value + string(r[pos:])
	case Delete:
		n := ev.DeleteLength()
		if ev.Position >= len(r) || ev.Position-1 < 0 || n <= 0 {
			return text
		}
		start := ev.Position - 1
		end := min(start+n, len(r))
		return string(r[:start]) + string(r[end:])
	case Replace:
		start := min(max(ev.Position, 0), len(r))
		end := min(max(ev.Position+ev.ReplaceLength(), start), len(r))
		return string(r[:start]) + ev.Value + string(r[end:])
	default:
		panic(fmt.Sprintf("keystroke: unhandled event kind %q", ev.Kind))
	}
}

// Sorted returns a copy of events in ascending timestamp order. Events with
// equal timestamps keep their relative order.
func Sorted(events []Event) []Event {
	out := slices.Clone(events)
	if IsSorted(out) {
		return out
	}
	slices.SortStableFunc(out, func(a, b Event) int {
		switch {
		case a.RelativeTimestampMs < b.RelativeTimestampMs:
			return -1
		case a.RelativeTimestampMs > b.RelativeTimestampMs:
			return 1
		default:
			return 0
		}
	})
	return out
}

// IsSorted reports whether events are already in timestamp order.
func IsSorted(events []Event) bool {
	for i := 1; i < len(events); i++ {
		if events[i].RelativeTimestampMs < events[i-1].RelativeTimestampMs {
			return false
		}
	}
	return true
}

// Reconstruct computes the text produced by events starting from an empty
// document. The input slice is not modified.
func Reconstruct(events []Event) string {
	return ReconstructFrom("", events)
}

// ReconstructFrom computes the text produced by applying events to initial.
func ReconstructFrom(initial string, events []Event) string {
	text := initial
	for _, ev := range Sorted(events) {
		text = Apply(text, ev)
	}
	return text
}

// Materialize returns a sorted copy of events in which every event carries
// the snapshot of the text immediately after it, computed from initial.
// Existing snapshots are replaced.
func Materialize(initial string, events []Event) []Event {
	out := Sorted(events)
	text := initial
	for i := range out {
		text = Apply(text, out[i])
		out[i] = out[i].WithSnapshot(text)
	}
	return out
}

// FormatDuration renders a millisecond duration as minutes:seconds.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
