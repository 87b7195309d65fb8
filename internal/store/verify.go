package store

import (
	"fmt"

	"keyreplay/internal/keystroke"
)

// SnapshotMismatch describes a stored snapshot that disagrees with the text
// reconstructed from the log.
type SnapshotMismatch struct {
	Index    int
	EventID  string
	Stored   string
	Computed string
}

func (m SnapshotMismatch) Error() string {
	return fmt.Sprintf("keystroke %d (%s): stored snapshot differs from reconstruction", m.Index, m.EventID)
}

// VerifySnapshots replays r from its initial text and reports every event
// whose stored snapshot differs from the reconstructed text. Events without
// a snapshot are skipped.
func VerifySnapshots(r *Replay) []SnapshotMismatch {
	var out []SnapshotMismatch
	text := r.InitialText
	for i, ev := range keystroke.Sorted(r.Keystrokes) {
		text = keystroke.Apply(text, ev)
		if ev.Snapshot != nil && *ev.Snapshot != text {
			out = append(out, SnapshotMismatch{Index: i, EventID: ev.ID, Stored: *ev.Snapshot, Computed: text})
		}
	}
	return out
}

// VerifyFinalText reports whether the reconstruction of r matches its saved
// final text. Paste and IME input bypass the key stream, so a mismatch is
// expected for such answers.
func VerifyFinalText(r *Replay) bool {
	return keystroke.ReconstructFrom(r.InitialText, r.Keystrokes) == r.Text
}
