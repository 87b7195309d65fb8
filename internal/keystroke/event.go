package keystroke

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of edit operations.
type Kind string

const (
	// Insert splices Value into the text at Position.
	Insert Kind = "INSERT"
	// Delete removes Length characters ending at the caret (backspace model).
	Delete Kind = "DELETE"
	// Replace substitutes Value for Length characters starting at Position.
	Replace Kind = "REPLACE"
)

// ErrInvalidEvent is returned when an event fails validation.
var ErrInvalidEvent = errors.New("keystroke: invalid event")

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Insert, Delete, Replace:
		return true
	default:
		return false
	}
}

// UnmarshalText accepts the wire names case-insensitively.
func (k *Kind) UnmarshalText(b []byte) error {
	v := Kind(strings.ToUpper(string(b)))
	if !v.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, string(b))
	}
	*k = v
	return nil
}

// Event is one recorded edit operation.
//
// Position is a character (rune) offset into the text as it stood before the
// event. RelativeTimestampMs is measured from the start of the recording
// session, not wall-clock time. Snapshot is the text immediately after the
// event, when known.
type Event struct {
	ID                  string  `json:"id,omitempty"`
	Kind                Kind    `json:"type"`
	Position            int     `json:"position"`
	Value               string  `json:"value,omitempty"`
	Length              *int    `json:"length,omitempty"`
	RelativeTimestampMs int64   `json:"relativeTimestamp"`
	Snapshot            *string `json:"snapshot,omitempty"`
}

// NewInsert returns an Insert event.
func NewInsert(pos int, value string, ts int64) Event {
	return Event{Kind: Insert, Position: pos, Value: value, RelativeTimestampMs: ts}
}

// NewDelete returns a Delete event removing length characters.
func NewDelete(pos, length int, ts int64) Event {
	return Event{Kind: Delete, Position: pos, Length: &length, RelativeTimestampMs: ts}
}

// NewReplace returns a Replace event.
func NewReplace(pos, length int, value string, ts int64) Event {
	return Event{Kind: Replace, Position: pos, Value: value, Length: &length, RelativeTimestampMs: ts}
}

// DeleteLength is the number of characters a Delete removes (default 1).
func (e Event) DeleteLength() int {
	if e.Length == nil {
		return 1
	}
	return *e.Length
}

// ReplaceLength is the number of characters a Replace removes (default 0).
func (e Event) ReplaceLength() int {
	if e.Length == nil {
		return 0
	}
	return *e.Length
}

// HasSnapshot reports whether the event carries materialized text.
func (e Event) HasSnapshot() bool {
	return e.Snapshot != nil
}

// WithSnapshot returns a copy of e carrying text as its snapshot.
func (e Event) WithSnapshot(text string) Event {
	e.Snapshot = &text
	return e
}

// Validate checks the structural rules of the wire format. Positions past
// the end of the text are not errors; they are padded or clamped on apply.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidEvent, e.Position)
	}
	if e.RelativeTimestampMs < 0 {
		return fmt.Errorf("%w: negative timestamp %d", ErrInvalidEvent, e.RelativeTimestampMs)
	}
	if e.Length != nil && *e.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidEvent, *e.Length)
	}
	if e.Kind == Insert && e.Value == "" {
		return fmt.Errorf("%w: insert without value", ErrInvalidEvent)
	}
	return nil
}

// ValidateAll validates every event, reporting the first failure by index.
func ValidateAll(events []Event) error {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// CloneAll returns a deep copy of events. Length and Snapshot pointers are
// not shared with the input.
func CloneAll(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i, e := range events {
		if e.Length != nil {
			l := *e.Length
			e.Length = &l
		}
		if e.Snapshot != nil {
			s := *e.Snapshot
			e.Snapshot = &s
		}
		out[i] = e
	}
	return out
}
