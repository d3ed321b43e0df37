package persona

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a [Store] backed by the persona_states table of the local
// SQLite database (see storage/sqlite). Timestamps are stored as Unix
// milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a store using db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load implements [Store].
func (s *SQLiteStore) Load(ctx context.Context, userID string) (State, error) {
	var (
		st               State
		raw              string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, version, created_at, updated_at FROM persona_states WHERE user_id = ?`, userID,
	).Scan(&raw, &st.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("persona sqlite: load: %w", err)
	}
	if err := decodeState([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("persona sqlite: %w", err)
	}
	st.UserID = userID
	st.CreatedAt = time.UnixMilli(created).UTC()
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return st, nil
}

// Insert implements [Store].
func (s *SQLiteStore) Insert(ctx context.Context, st State) error {
	raw, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("persona sqlite: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO persona_states (user_id, state, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		st.UserID, string(raw), st.Version, st.CreatedAt.UnixMilli(), st.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("persona sqlite: insert: %w", err)
	}
	return conflictIfUnchanged(res)
}

// Update implements [Store].
func (s *SQLiteStore) Update(ctx context.Context, st State, expected int64) error {
	raw, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("persona sqlite: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE persona_states SET state = ?, version = ?, updated_at = ?
		 WHERE user_id = ? AND version = ?`,
		string(raw), st.Version, st.UpdatedAt.UnixMilli(), st.UserID, expected)
	if err != nil {
		return fmt.Errorf("persona sqlite: update: %w", err)
	}
	return conflictIfUnchanged(res)
}

func conflictIfUnchanged(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persona sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}
