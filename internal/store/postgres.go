package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"keyreplay/internal/keystroke"
)

// PostgresSchema is the DDL applied by [Postgres.Migrate].
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS answers (
    id              UUID PRIMARY KEY,
    question_id     TEXT NOT NULL,
    initial_text    TEXT NOT NULL DEFAULT '',
    language        TEXT NOT NULL DEFAULT '',
    text            TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    submitted_at    TIMESTAMPTZ
);
ALTER TABLE answers ADD COLUMN IF NOT EXISTS submitted_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS idx_answers_question ON answers(question_id);

CREATE TABLE IF NOT EXISTS keystrokes (
    answer_id           UUID NOT NULL REFERENCES answers(id) ON DELETE CASCADE,
    ordinal             INTEGER NOT NULL,
    id                  TEXT NOT NULL,
    type                TEXT NOT NULL,
    position            INTEGER NOT NULL,
    value               TEXT,
    length              INTEGER,
    relative_timestamp  BIGINT NOT NULL,
    snapshot            TEXT,
    PRIMARY KEY (answer_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_keystrokes_time ON keystrokes(answer_id, relative_timestamp);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db    DB
	close func()
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an existing connection or pool. The caller owns db.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects a pool to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s := &Postgres{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [PostgresSchema].
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping runs a trivial query.
func (s *Postgres) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close releases the pool if this store opened it.
func (s *Postgres) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// CreateAnswer inserts a new answer.
func (s *Postgres) CreateAnswer(ctx context.Context, a *Answer) error {
	if err := newAnswerID(a); err != nil {
		return err
	}

	const query = `
		INSERT INTO answers (id, question_id, initial_text, language, text)
		VALUES ($1, $2, $3, $4, $3)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query, a.ID, a.QuestionID, a.InitialText, a.Language).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", ErrExists, a.ID)
		}
		return fmt.Errorf("store: create answer: %w", err)
	}
	a.Text = a.InitialText
	return nil
}

// GetAnswer retrieves an answer by ID.
func (s *Postgres) GetAnswer(ctx context.Context, id string) (*Answer, error) {
	if uuid.Validate(id) != nil {
		return nil, ErrNotFound
	}
	const query = `
		SELECT a.id::text, a.question_id, a.initial_text, a.language, a.text, a.created_at, a.updated_at,
		       (SELECT COUNT(*) FROM keystrokes k WHERE k.answer_id = a.id)::int
		FROM answers a WHERE a.id = $1`

	var a Answer
	err := s.db.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.QuestionID, &a.InitialText, &a.Language, &a.Text, &a.CreatedAt, &a.UpdatedAt, &a.EventCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get answer: %w", err)
	}
	return &a, nil
}

// SaveKeystrokes stores the keystroke log of an answer once, in one
// transaction. The answer row is locked so concurrent submissions serialise.
func (s *Postgres) SaveKeystrokes(ctx context.Context, sub *Submission) error {
	if uuid.Validate(sub.AnswerID) != nil {
		return ErrNotFound
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var initial, language, text string
	var submitted bool
	err = tx.QueryRow(ctx,
		`SELECT initial_text, language, text, submitted_at IS NOT NULL FROM answers WHERE id = $1 FOR UPDATE`,
		sub.AnswerID,
	).Scan(&initial, &language, &text, &submitted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: get answer: %w", err)
	}

	events, err := prepareEvents(initial, sub.Events)
	if err != nil {
		return err
	}
	if submitted {
		stored, err := pgEvents(ctx, tx, sub.AnswerID)
		if err != nil {
			return err
		}
		return checkResubmission(text, language, stored, sub, events)
	}
	if sub.Language != "" {
		language = sub.Language
	}

	now := time.Now()
	if _, err := tx.Exec(ctx,
		`UPDATE answers SET text = $1, language = $2, updated_at = $3, submitted_at = $3 WHERE id = $4`,
		sub.Text, language, now, sub.AnswerID,
	); err != nil {
		return fmt.Errorf("store: update answer: %w", err)
	}

	const insert = `
		INSERT INTO keystrokes (answer_id, ordinal, id, type, position, value, length, relative_timestamp, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for i, ev := range events {
		if _, err := tx.Exec(ctx, insert,
			sub.AnswerID, i, ev.ID, string(ev.Kind), ev.Position, optional(ev.Value), ev.Length, ev.RelativeTimestampMs, ev.Snapshot,
		); err != nil {
			return fmt.Errorf("store: insert keystroke %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// GetReplay loads an answer with its keystroke log.
func (s *Postgres) GetReplay(ctx context.Context, id string) (*Replay, error) {
	a, err := s.GetAnswer(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := pgEvents(ctx, s.db, id)
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

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgEvents(ctx context.Context, q pgQuerier, answerID string) ([]keystroke.Event, error) {
	const query = `
		SELECT id, type, position, value, length, relative_timestamp, snapshot
		FROM keystrokes
		WHERE answer_id = $1
		ORDER BY relative_timestamp ASC, ordinal ASC`

	rows, err := q.Query(ctx, query, answerID)
	if err != nil {
		return nil, fmt.Errorf("store: query keystrokes: %w", err)
	}
	defer rows.Close()

	events := []keystroke.Event{}
	for rows.Next() {
		var ev keystroke.Event
		var kind string
		var value *string
		if err := rows.Scan(&ev.ID, &kind, &ev.Position, &value, &ev.Length, &ev.RelativeTimestampMs, &ev.Snapshot); err != nil {
			return nil, fmt.Errorf("store: scan keystroke: %w", err)
		}
		ev.Kind = keystroke.Kind(kind)
		if value != nil {
			ev.Value = *value
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate keystrokes: %w", err)
	}
	return events, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
