package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyreplay/internal/keystroke"
)

func helloEvents() []keystroke.Event {
	return []keystroke.Event{
		keystroke.NewInsert(0, "H", 0),
		keystroke.NewInsert(1, "e", 100),
		keystroke.NewInsert(2, "l", 200),
		keystroke.NewInsert(3, "l", 300),
		keystroke.NewInsert(4, "o", 400),
	}
}

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "keyreplay.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// runContract exercises behaviour every Store must share.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateAssignsID", func(t *testing.T) {
		s := open(t)
		a := &Answer{QuestionID: "q1", InitialText: "Start", Language: "go"}
		require.NoError(t, s.CreateAnswer(ctx, a))
		require.NoError(t, uuid.Validate(a.ID))
		assert.Equal(t, "Start", a.Text)

		got, err := s.GetAnswer(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "q1", got.QuestionID)
		assert.Equal(t, "Start", got.Text)
		assert.Equal(t, 0, got.EventCount)
	})

	t.Run("CreateRejectsMalformedID", func(t *testing.T) {
		s := open(t)
		assert.Error(t, s.CreateAnswer(ctx, &Answer{ID: "not-a-uuid", QuestionID: "q"}))
	})

	t.Run("CreateRejectsDuplicateID", func(t *testing.T) {
		s := open(t)
		id := uuid.NewString()
		require.NoError(t, s.CreateAnswer(ctx, &Answer{ID: id, QuestionID: "q"}))
		assert.ErrorIs(t, s.CreateAnswer(ctx, &Answer{ID: id, QuestionID: "q"}), ErrExists)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, open(t).Ping(ctx))
	})

	t.Run("UnknownAnswer", func(t *testing.T) {
		s := open(t)
		id := uuid.NewString()
		_, err := s.GetAnswer(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetReplay(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
		err = s.SaveKeystrokes(ctx, &Submission{AnswerID: id, Text: "x"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SaveComputesSnapshots", func(t *testing.T) {
		s := open(t)
		a := &Answer{QuestionID: "q"}
		require.NoError(t, s.CreateAnswer(ctx, a))

		events := helloEvents()
		events[0], events[4] = events[4], events[0]
		require.NoError(t, s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "Hello", Language: "text", Events: events}))

		r, err := s.GetReplay(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hello", r.Text)
		assert.Equal(t, "text", r.Language)
		require.Len(t, r.Keystrokes, 5)

		want := []string{"H", "He", "Hel", "Hell", "Hello"}
		for i, ev := range r.Keystrokes {
			assert.NotEmpty(t, ev.ID)
			assert.Equal(t, int64(i*100), ev.RelativeTimestampMs)
			require.NotNil(t, ev.Snapshot)
			assert.Equal(t, want[i], *ev.Snapshot)
		}
		assert.Empty(t, VerifySnapshots(r))
		assert.True(t, VerifyFinalText(r))
		assert.Equal(t, int64(400), r.DurationMs())
	})

	t.Run("SaveKeepsProvidedSnapshots", func(t *testing.T) {
		s := open(t)
		a := &Answer{QuestionID: "q"}
		require.NoError(t, s.CreateAnswer(ctx, a))

		events := helloEvents()
		events[1] = events[1].WithSnapshot("stale")
		require.NoError(t, s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "Hello", Events: events}))

		r, err := s.GetReplay(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "stale", *r.Keystrokes[1].Snapshot)

		mismatches := VerifySnapshots(r)
		require.Len(t, mismatches, 1)
		assert.Equal(t, 1, mismatches[0].Index)
		assert.Equal(t, "He", mismatches[0].Computed)
	})

	t.Run("ResubmitIdenticalIsNoop", func(t *testing.T) {
		s := open(t)
		a := &Answer{QuestionID: "q", Language: "go"}
		require.NoError(t, s.CreateAnswer(ctx, a))

		events := []keystroke.Event{keystroke.NewInsert(0, "A", 10), keystroke.NewReplace(0, 1, "B", 20)}
		require.NoError(t, s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "B", Events: events}))
		first, err := s.GetReplay(ctx, a.ID)
		require.NoError(t, err)

		require.NoError(t, s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "B", Events: events}))
		require.NoError(t, s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "B", Language: "go", Events: events}))

		r, err := s.GetReplay(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, first, r, "event ids are kept")
		require.Len(t, r.Keystrokes, 2)
		assert.Equal(t, keystroke.Replace, r.Keystrokes[1].Kind)
		assert.Equal(t, 1, r.Keystrokes[1].ReplaceLength())
		assert.Equal(t, "B", *r.Keystrokes[1].Snapshot)
		assert.Equal(t, "go", r.Language, "empty language keeps the stored one")
	})

	t.Run("ResubmitDifferentIsRejected", func(t *testing.T) {
		s := open(t)
		a := &Answer{QuestionID: "q", Language: "go"}
		require.NoError(t, s.CreateAnswer(ctx, a))
		require.NoError(t, s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "Hi", Events: helloEvents()[:2]}))

		for name, sub := range map[string]*Submission{
			"events":   {AnswerID: a.ID, Text: "Hi", Events: []keystroke.Event{keystroke.NewInsert(0, "X", 0)}},
			"text":     {AnswerID: a.ID, Text: "X", Events: helloEvents()[:2]},
			"language": {AnswerID: a.ID, Text: "Hi", Language: "rust", Events: helloEvents()[:2]},
		} {
			err := s.SaveKeystrokes(ctx, sub)
			assert.ErrorIs(t, err, ErrSubmitted, name)
		}

		r, err := s.GetReplay(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hi", r.Text)
		assert.Len(t, r.Keystrokes, 2)
		assert.Equal(t, "go", r.Language)

		got, err := s.GetAnswer(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.EventCount)
	})

	t.Run("InvalidEventLeavesLogIntact", func(t *testing.T) {
		s := open(t)
		a := &Answer{QuestionID: "q"}
		require.NoError(t, s.CreateAnswer(ctx, a))
		require.NoError(t, s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "Hello", Events: helloEvents()}))

		bad := []keystroke.Event{keystroke.NewInsert(-1, "x", 0)}
		err := s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "x", Events: bad})
		assert.ErrorIs(t, err, keystroke.ErrInvalidEvent)

		r, err := s.GetReplay(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, r.Keystrokes, 5)
		assert.Equal(t, "Hello", r.Text)
	})

	t.Run("DeletesAndInitialText", func(t *testing.T) {
		s := open(t)
		a := &Answer{QuestionID: "q", InitialText: "Hi"}
		require.NoError(t, s.CreateAnswer(ctx, a))
		require.NoError(t, s.SaveKeystrokes(ctx, &Submission{
			AnswerID: a.ID,
			Text:     "i",
			Events:   []keystroke.Event{keystroke.NewDelete(1, 1, 5)},
		}))

		r, err := s.GetReplay(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, r.Keystrokes, 1)
		assert.Equal(t, keystroke.Delete, r.Keystrokes[0].Kind)
		assert.Equal(t, "i", *r.Keystrokes[0].Snapshot)
		assert.Equal(t, "Hi", r.InitialText)
	})

	t.Run("EmptyLog", func(t *testing.T) {
		s := open(t)
		a := &Answer{QuestionID: "q", InitialText: "Start"}
		require.NoError(t, s.CreateAnswer(ctx, a))

		r, err := s.GetReplay(ctx, a.ID)
		require.NoError(t, err)
		assert.NotNil(t, r.Keystrokes)
		assert.Empty(t, r.Keystrokes)
		assert.Equal(t, int64(0), r.DurationMs())
	})
}

func TestSQLiteContract(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return openSQLite(t) })
}

func TestMemoryContract(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return NewMemory() })
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "sub", "nested", "test.db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSQLiteCloseNilDB(t *testing.T) {
	s := &SQLite{}
	assert.NoError(t, s.Close())
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keyreplay.db")

	s, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	a := &Answer{QuestionID: "q"}
	require.NoError(t, s.CreateAnswer(ctx, a))
	require.NoError(t, s.SaveKeystrokes(ctx, &Submission{AnswerID: a.ID, Text: "Hello", Events: helloEvents()}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, time.Second)
	require.NoError(t, err)
	defer s.Close()

	r, err := s.GetReplay(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, r.Keystrokes, 5)
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	require.NoError(t, ValidateSchema(ctx, s.DB()))

	v, err := schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	// Re-running is a no-op.
	require.NoError(t, MigrateDB(ctx, s.DB()))

	require.NoError(t, RollbackMigration(ctx, s.DB()))
	v, err = schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations)-1, v)

	require.NoError(t, MigrateDB(ctx, s.DB()))
	v, err = schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestRollbackEmptySchema(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	for range migrations {
		require.NoError(t, RollbackMigration(ctx, s.DB()))
	}
	assert.ErrorIs(t, RollbackMigration(ctx, s.DB()), ErrNoMigrations)
}
