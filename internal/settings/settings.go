// Package settings reads runtime configuration values that operators manage
// through the admin interface, stored in the chat_settings table.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ThreadLifetime returns the idle lifetime for threads in seconds.
// Zero disables both the idle reaper and the abandoned-thread check.
func (s *Store) ThreadLifetime(ctx context.Context) (int64, error) {
	return s.getInt(ctx, "thread_lifetime", 0)
}

// MaxConnectionsFromOneHost returns the cap on concurrent open threads per
// origin address. Zero disables admission control.
func (s *Store) MaxConnectionsFromOneHost(ctx context.Context) (int64, error) {
	return s.getInt(ctx, "max_connections_from_one_host", 0)
}

func (s *Store) getInt(ctx context.Context, name string, fallback int64) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM chat_settings WHERE name=$1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read setting %s: %w", name, err)
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback, nil
	}
	return parsed, nil
}
