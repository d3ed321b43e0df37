package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"
)

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by the journal_sessions table. Summary
// embeddings live in a pgvector column and Related orders by cosine
// distance. The pool must have pgvector types registered (see
// storage/postgres.Open).
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `id, user_id, started_at, ended_at, duration_seconds, end_reason,
		       transcript, summary, reflection, follow_up_question`

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, e Entry) error {
	transcript, err := json.Marshal(nonNilTranscript(e))
	if err != nil {
		return fmt.Errorf("journal postgres: marshal transcript: %w", err)
	}
	var embedding any
	if len(e.Embedding) > 0 {
		embedding = pgvector.NewVector(e.Embedding)
	}

	const q = `
		INSERT INTO journal_sessions (
			id, user_id, started_at, ended_at, duration_seconds, end_reason,
			transcript, summary, reflection, follow_up_question, embedding
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			ended_at           = EXCLUDED.ended_at,
			duration_seconds   = EXCLUDED.duration_seconds,
			end_reason         = EXCLUDED.end_reason,
			transcript         = EXCLUDED.transcript,
			summary            = EXCLUDED.summary,
			reflection         = EXCLUDED.reflection,
			follow_up_question = EXCLUDED.follow_up_question,
			embedding          = EXCLUDED.embedding`

	_, err = s.db.Exec(ctx, q,
		e.ID, e.UserID, e.StartedAt, e.EndedAt, e.DurationSeconds(), e.EndReason,
		transcript, e.Summary, e.Reflection, e.FollowUpQuestion, embedding,
	)
	if err != nil {
		return fmt.Errorf("journal postgres: save: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, userID, id string) (Entry, error) {
	q := `SELECT ` + selectColumns + ` FROM journal_sessions WHERE id = $1 AND user_id = $2`
	e, err := scanEntry(s.db.QueryRow(ctx, q, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal postgres: get: %w", err)
	}
	return e, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	q := `SELECT ` + selectColumns + `
		FROM journal_sessions
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2`
	return s.query(ctx, "list", q, userID, listLimit(limit))
}

// Related implements [Store]. Sessions whose embedding dimension differs
// from the query (after a model change) are skipped.
func (s *PostgresStore) Related(ctx context.Context, userID string, embedding []float32, k int) ([]Entry, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	q := `SELECT ` + selectColumns + `
		FROM journal_sessions
		WHERE user_id = $1
		  AND summary <> ''
		  AND embedding IS NOT NULL
		  AND vector_dims(embedding) = $3
		ORDER BY embedding <=> $2
		LIMIT $4`
	return s.query(ctx, "related", q, userID, pgvector.NewVector(embedding), len(embedding), k)
}

func (s *PostgresStore) query(ctx context.Context, op, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("journal postgres: %s: scan: %w", op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal postgres: %s: %w", op, err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e          Entry
		seconds    int
		transcript []byte
	)
	if err := row.Scan(
		&e.ID, &e.UserID, &e.StartedAt, &e.EndedAt, &seconds, &e.EndReason,
		&transcript, &e.Summary, &e.Reflection, &e.FollowUpQuestion,
	); err != nil {
		return Entry{}, err
	}
	e.Duration = time.Duration(seconds) * time.Second
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &e.Transcript); err != nil {
			return Entry{}, fmt.Errorf("unmarshal transcript: %w", err)
		}
	}
	return e, nil
}

func nonNilTranscript(e Entry) any {
	if e.Transcript == nil {
		return []struct{}{}
	}
	return e.Transcript
}
