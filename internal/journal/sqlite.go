package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a [Store] backed by the journal_sessions table of the local
// SQLite database. It keeps no embeddings; Related returns the most recent
// summarised sessions.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a store using db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteColumns = `id, user_id, started_at, ended_at, duration_seconds, end_reason,
	transcript, summary, reflection, follow_up_question`

// Save implements [Store].
func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	transcript, err := json.Marshal(nonNilTranscript(e))
	if err != nil {
		return fmt.Errorf("journal sqlite: marshal transcript: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO journal_sessions (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds,
			end_reason = excluded.end_reason,
			transcript = excluded.transcript,
			summary = excluded.summary,
			reflection = excluded.reflection,
			follow_up_question = excluded.follow_up_question`,
		e.ID, e.UserID, e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(), e.DurationSeconds(), e.EndReason,
		string(transcript), e.Summary, e.Reflection, e.FollowUpQuestion,
	)
	if err != nil {
		return fmt.Errorf("journal sqlite: save: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM journal_sessions WHERE id = ? AND user_id = ?`, id, userID)
	e, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal sqlite: get: %w", err)
	}
	return e, nil
}

// List implements [Store].
func (s *SQLiteStore) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	return s.query(ctx, "list",
		`SELECT `+sqliteColumns+` FROM journal_sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`,
		userID, listLimit(limit))
}

// Related implements [Store] without similarity search.
func (s *SQLiteStore) Related(ctx context.Context, userID string, _ []float32, k int) ([]Entry, error) {
	if k <= 0 {
		return nil, nil
	}
	return s.query(ctx, "related",
		`SELECT `+sqliteColumns+` FROM journal_sessions
		 WHERE user_id = ? AND summary <> ''
		 ORDER BY started_at DESC LIMIT ?`,
		userID, k)
}

func (s *SQLiteStore) query(ctx context.Context, op, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("journal sqlite: %s: scan: %w", op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal sqlite: %s: %w", op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (Entry, error) {
	var (
		e              Entry
		started, ended int64
		seconds        int
		transcript     string
	)
	if err := row.Scan(
		&e.ID, &e.UserID, &started, &ended, &seconds, &e.EndReason,
		&transcript, &e.Summary, &e.Reflection, &e.FollowUpQuestion,
	); err != nil {
		return Entry{}, err
	}
	e.StartedAt = time.UnixMilli(started).UTC()
	e.EndedAt = time.UnixMilli(ended).UTC()
	e.Duration = time.Duration(seconds) * time.Second
	if transcript != "" {
		if err := json.Unmarshal([]byte(transcript), &e.Transcript); err != nil {
			return Entry{}, fmt.Errorf("unmarshal transcript: %w", err)
		}
	}
	return e, nil
}
