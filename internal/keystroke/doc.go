// Package keystroke defines the recorded edit events of an answer and the
// pure functions that turn an event log back into text.
//
// An event log is the only record of how an answer was typed. Text at any
// point of the timeline is derived from the log by folding Apply over the
// events in timestamp order; per-event snapshots are an optional shortcut
// for forward playback and never required for correctness.
package keystroke
