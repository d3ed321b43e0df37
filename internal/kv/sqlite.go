package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a [Store] backed by the kv_entries table created by
// storage/sqlite.Open. expires_at holds Unix milliseconds; 0 never expires.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a store using db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv sqlite: get %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements [Store]. Expired rows are purged opportunistically.
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now()
	var expires int64
	if ttl > 0 {
		expires = now.Add(ttl).UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires,
	); err != nil {
		return fmt.Errorf("kv sqlite: set %q: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at <> 0 AND expires_at <= ?`, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("kv sqlite: purge: %w", err)
	}
	return nil
}

// SetNX implements [Store]. An expired row counts as absent and is
// overwritten in the same statement.
func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now().UnixMilli()
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv_entries.expires_at <> 0 AND kv_entries.expires_at <= ?`,
		key, value, expires, now,
	)
	if err != nil {
		return false, fmt.Errorf("kv sqlite: setnx %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv sqlite: setnx %q: %w", key, err)
	}
	return n > 0, nil
}
