package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by the persona_states table. The named
// fields and the extra map are serialised together into a JSONB column;
// user id, version and timestamps are real columns.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db. The schema is created by the
// storage/postgres migrations.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context, userID string) (State, error) {
	const q = `
		SELECT state, version, created_at, updated_at
		FROM persona_states
		WHERE user_id = $1`

	var (
		st  State
		raw []byte
	)
	err := s.db.QueryRow(ctx, q, userID).Scan(&raw, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("persona postgres: load: %w", err)
	}
	if err := decodeState(raw, &st); err != nil {
		return State{}, fmt.Errorf("persona postgres: %w", err)
	}
	st.UserID = userID
	return st, nil
}

// Insert implements [Store].
func (s *PostgresStore) Insert(ctx context.Context, st State) error {
	raw, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("persona postgres: %w", err)
	}
	const q = `
		INSERT INTO persona_states (user_id, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING`

	tag, err := s.db.Exec(ctx, q, st.UserID, raw, st.Version, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persona postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Update implements [Store].
func (s *PostgresStore) Update(ctx context.Context, st State, expected int64) error {
	raw, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("persona postgres: %w", err)
	}
	const q = `
		UPDATE persona_states
		SET state = $2, version = $3, updated_at = $4
		WHERE user_id = $1 AND version = $5`

	tag, err := s.db.Exec(ctx, q, st.UserID, raw, st.Version, st.UpdatedAt, expected)
	if err != nil {
		return fmt.Errorf("persona postgres: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// document is the JSON shape of the state column.
type document struct {
	PreferredName       string         `json:"preferred_name,omitempty"`
	TonePreferences     string         `json:"tone_preferences,omitempty"`
	ReflectionFocus     string         `json:"reflection_focus,omitempty"`
	PersonalitySnapshot string         `json:"personality_snapshot,omitempty"`
	ConversationalNotes string         `json:"conversational_notes,omitempty"`
	InternalNotes       string         `json:"internal_notes,omitempty"`
	Extra               map[string]any `json:"extra,omitempty"`
}

func encodeState(st State) ([]byte, error) {
	raw, err := json.Marshal(document{
		PreferredName:       st.PreferredName,
		TonePreferences:     st.TonePreferences,
		ReflectionFocus:     st.ReflectionFocus,
		PersonalitySnapshot: st.PersonalitySnapshot,
		ConversationalNotes: st.ConversationalNotes,
		InternalNotes:       st.InternalNotes,
		Extra:               st.Extra,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return raw, nil
}

func decodeState(raw []byte, st *State) error {
	var doc document
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("unmarshal state: %w", err)
		}
	}
	st.PreferredName = doc.PreferredName
	st.TonePreferences = doc.TonePreferences
	st.ReflectionFocus = doc.ReflectionFocus
	st.PersonalitySnapshot = doc.PersonalitySnapshot
	st.ConversationalNotes = doc.ConversationalNotes
	st.InternalNotes = doc.InternalNotes
	st.Extra = doc.Extra
	return nil
}
