package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLite is a Store backed by the kv_entries table of the escan database.
// It is the durable, cross-process source of truth when configured.
type SQLite struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLite wraps an already-opened escan database (see internal/db).
func NewSQLite(db *sql.DB) *SQLite {
	return NewSQLiteWithClock(db, time.Now)
}

// NewSQLiteWithClock wraps db with an injectable clock.
func NewSQLiteWithClock(db *sql.DB, clock func() time.Time) *SQLite {
	return &SQLite{db: db, clock: clock}
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT v, expires_at FROM kv_entries WHERE k = ?", key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %q: %w", key, err)
	}

	if expiresAt.Valid && s.clock().UnixMilli() >= expiresAt.Int64 {
		// Lazy expiry; PurgeExpired handles the rest.
		_, _ = s.db.ExecContext(ctx, "DELETE FROM kv_entries WHERE k = ?", key)
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLite) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: s.clock().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_entries WHERE k = ?", key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// PurgeExpired removes all expired entries and returns the count removed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?",
		s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("kv purge: %w", err)
	}
	return res.RowsAffected()
}
