// Package store persists answers and their keystroke logs.
package store

import (
	"errors"
	"time"

	"keyreplay/internal/keystroke"
)

// ErrNotFound is returned for unknown answers.
var ErrNotFound = errors.New("store: answer not found")

// ErrExists is returned when creating an answer whose ID is taken.
var ErrExists = errors.New("store: answer already exists")

// ErrSubmitted is returned when an answer already holds a different
// keystroke log. A submitted log never changes.
var ErrSubmitted = errors.New("store: keystroke log already submitted")

// Answer is a single response to a question, with the text it started from.
type Answer struct {
	ID          string
	QuestionID  string
	InitialText string
	Language    string
	Text        string
	EventCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Submission is the recorder output for one answer.
type Submission struct {
	AnswerID string            `json:"answerId"`
	Text     string            `json:"text"`
	Language string            `json:"language,omitempty"`
	Events   []keystroke.Event `json:"events"`
}

// Replay is everything a player needs to replay an answer.
type Replay struct {
	AnswerID    string            `json:"answerId"`
	QuestionID  string            `json:"questionId"`
	InitialText string            `json:"initialText"`
	Language    string            `json:"language"`
	Text        string            `json:"text"`
	Keystrokes  []keystroke.Event `json:"keystrokes"`
}

// DurationMs returns the timestamp of the last keystroke.
func (r *Replay) DurationMs() int64 {
	if len(r.Keystrokes) == 0 {
		return 0
	}
	return keystroke.NewTimeline(r.InitialText, r.Keystrokes).DurationMs()
}
