package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keyreplay/internal/keystroke"
)

// Memory is an in-process Store, used in tests and for throwaway servers.
type Memory struct {
	mu      sync.RWMutex
	answers map[string]*memAnswer
}

type memAnswer struct {
	answer    Answer
	events    []keystroke.Event
	submitted bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{answers: make(map[string]*memAnswer)}
}

func (m *Memory) CreateAnswer(_ context.Context, a *Answer) error {
	if err := newAnswerID(a); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.answers[a.ID]; ok {
		return fmt.Errorf("%w: %q", ErrExists, a.ID)
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Text = a.InitialText
	a.EventCount = 0
	m.answers[a.ID] = &memAnswer{answer: *a}
	return nil
}

func (m *Memory) GetAnswer(_ context.Context, id string) (*Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.answers[id]
	if !ok {
		return nil, ErrNotFound
	}
	a := rec.answer
	a.EventCount = len(rec.events)
	return &a, nil
}

func (m *Memory) SaveKeystrokes(_ context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.answers[sub.AnswerID]
	if !ok {
		return ErrNotFound
	}
	events, err := prepareEvents(rec.answer.InitialText, sub.Events)
	if err != nil {
		return err
	}
	if rec.submitted {
		return checkResubmission(rec.answer.Text, rec.answer.Language, rec.events, sub, events)
	}
	rec.events = events
	rec.submitted = true
	rec.answer.Text = sub.Text
	if sub.Language != "" {
		rec.answer.Language = sub.Language
	}
	rec.answer.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) GetReplay(_ context.Context, id string) (*Replay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.answers[id]
	if !ok {
		return nil, ErrNotFound
	}
	events := keystroke.CloneAll(rec.events)
	if events == nil {
		events = []keystroke.Event{}
	}
	return &Replay{
		AnswerID:    rec.answer.ID,
		QuestionID:  rec.answer.QuestionID,
		InitialText: rec.answer.InitialText,
		Language:    rec.answer.Language,
		Text:        rec.answer.Text,
		Keystrokes:  events,
	}, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
