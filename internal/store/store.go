package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"keyreplay/internal/keystroke"
)

// Store is the persistence collaborator for answers and keystroke logs.
type Store interface {
	// CreateAnswer inserts a. An empty ID is filled in with a new uuid.
	CreateAnswer(ctx context.Context, a *Answer) error

	GetAnswer(ctx context.Context, id string) (*Answer, error)

	// SaveKeystrokes stores the keystroke log and final text of an answer
	// in one transaction. Repeating the stored submission is a no-op; any
	// other log for the same answer fails with ErrSubmitted.
	SaveKeystrokes(ctx context.Context, sub *Submission) error

	// GetReplay returns the answer with its keystrokes in timestamp order,
	// each carrying an ID and a snapshot.
	GetReplay(ctx context.Context, id string) (*Replay, error)

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// prepareEvents validates events and returns a sorted copy in which every
// event has an ID and a snapshot. Snapshots supplied by the recorder are kept.
func prepareEvents(initial string, events []keystroke.Event) ([]keystroke.Event, error) {
	if err := keystroke.ValidateAll(events); err != nil {
		return nil, err
	}

	out := keystroke.Sorted(keystroke.CloneAll(events))
	text := initial
	for i := range out {
		text = keystroke.Apply(text, out[i])
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
		if !out[i].HasSnapshot() {
			out[i] = out[i].WithSnapshot(text)
		}
	}
	return out, nil
}

// checkResubmission compares a submission, already passed through
// prepareEvents, with the log stored for its answer. Event IDs are assigned
// on save and are not compared.
func checkResubmission(text, language string, stored []keystroke.Event, sub *Submission, prepared []keystroke.Event) error {
	same := sub.Text == text &&
		(sub.Language == "" || sub.Language == language) &&
		slices.EqualFunc(stored, prepared, sameEvent)
	if !same {
		return fmt.Errorf("%w: %q", ErrSubmitted, sub.AnswerID)
	}
	return nil
}

func sameEvent(a, b keystroke.Event) bool {
	return a.Kind == b.Kind &&
		a.Position == b.Position &&
		a.Value == b.Value &&
		a.RelativeTimestampMs == b.RelativeTimestampMs &&
		samePtr(a.Length, b.Length) &&
		samePtr(a.Snapshot, b.Snapshot)
}

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func newAnswerID(a *Answer) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
		return nil
	}
	if _, err := uuid.Parse(a.ID); err != nil {
		return fmt.Errorf("store: invalid answer id %q: %w", a.ID, err)
	}
	return nil
}
