package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"keyreplay/internal/keystroke"
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path and runs migrations.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Ping checks the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateAnswer inserts a new answer.
func (s *SQLite) CreateAnswer(ctx context.Context, a *Answer) error {
	if err := newAnswerID(a); err != nil {
		return err
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO answers (id, question_id, initial_text, language, text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.QuestionID, a.InitialText, a.Language, a.InitialText, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %q", ErrExists, a.ID)
		}
		return fmt.Errorf("insert answer: %w", err)
	}
	a.Text = a.InitialText
	return nil
}

// GetAnswer retrieves an answer by ID.
func (s *SQLite) GetAnswer(ctx context.Context, id string) (*Answer, error) {
	var a Answer
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.question_id, a.initial_text, a.language, a.text, a.created_at, a.updated_at,
		       (SELECT COUNT(*) FROM keystrokes k WHERE k.answer_id = a.id)
		FROM answers a WHERE a.id = ?`, id,
	).Scan(&a.ID, &a.QuestionID, &a.InitialText, &a.Language, &a.Text, &created, &updated, &a.EventCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get answer: %w", err)
	}
	a.CreatedAt = time.Unix(0, created)
	a.UpdatedAt = time.Unix(0, updated)
	return &a, nil
}

// SaveKeystrokes stores the keystroke log of an answer once.
func (s *SQLite) SaveKeystrokes(ctx context.Context, sub *Submission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var initial, language, text string
	var submitted sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT initial_text, language, text, submitted_at FROM answers WHERE id = ?`, sub.AnswerID,
	).Scan(&initial, &language, &text, &submitted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get answer: %w", err)
	}

	events, err := prepareEvents(initial, sub.Events)
	if err != nil {
		return err
	}
	if submitted.Valid {
		stored, err := sqliteEvents(ctx, tx, sub.AnswerID)
		if err != nil {
			return err
		}
		return checkResubmission(text, language, stored, sub, events)
	}
	if sub.Language != "" {
		language = sub.Language
	}

	now := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`UPDATE answers SET text = ?, language = ?, updated_at = ?, submitted_at = ? WHERE id = ?`,
		sub.Text, language, now, now, sub.AnswerID,
	); err != nil {
		return fmt.Errorf("update answer: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO keystrokes (answer_id, ordinal, id, type, position, value, length, relative_timestamp, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			sub.AnswerID, i, ev.ID, string(ev.Kind), ev.Position, nullString(ev.Value), ev.Length, ev.RelativeTimestampMs, ev.Snapshot,
		); err != nil {
			return fmt.Errorf("insert keystroke %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetReplay loads an answer with its keystroke log.
func (s *SQLite) GetReplay(ctx context.Context, id string) (*Replay, error) {
	a, err := s.GetAnswer(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := sqliteEvents(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &Replay{
		AnswerID:    a.ID,
		QuestionID:  a.QuestionID,
		InitialText: a.InitialText,
		Language:    a.Language,
		Text:        a.Text,
		Keystrokes:  events,
	}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func sqliteEvents(ctx context.Context, q querier, answerID string) ([]keystroke.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, type, position, value, length, relative_timestamp, snapshot
		FROM keystrokes
		WHERE answer_id = ?
		ORDER BY relative_timestamp ASC, ordinal ASC`, answerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query keystrokes: %w", err)
	}
	defer rows.Close()

	events := []keystroke.Event{}
	for rows.Next() {
		var ev keystroke.Event
		var kind string
		var value, snapshot sql.NullString
		var length sql.NullInt64
		if err := rows.Scan(&ev.ID, &kind, &ev.Position, &value, &length, &ev.RelativeTimestampMs, &snapshot); err != nil {
			return nil, fmt.Errorf("scan keystroke: %w", err)
		}
		ev.Kind = keystroke.Kind(kind)
		ev.Value = value.String
		if length.Valid {
			n := int(length.Int64)
			ev.Length = &n
		}
		if snapshot.Valid {
			ev.Snapshot = &snapshot.String
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keystrokes: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
