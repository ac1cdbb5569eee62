package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// StopFlagStore persists TTL'd stop flags in the stop_flags table. Expired
// rows are treated as absent and removed opportunistically.
type StopFlagStore struct {
	pool db
}

// NewStopFlagStore constructs a store over an existing pool.
func NewStopFlagStore(pool db) (*StopFlagStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StopFlagStore{pool: pool}, nil
}

// Set upserts a flag that expires after ttl.
func (s *StopFlagStore) Set(ctx context.Context, scanID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO stop_flags (scan_id, expires_at) VALUES ($1, $2)
ON CONFLICT (scan_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		scanID, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("set stop flag: %w", err)
	}
	return nil
}

// Clear removes the flag if present.
func (s *StopFlagStore) Clear(ctx context.Context, scanID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM stop_flags WHERE scan_id = $1`, scanID); err != nil {
		return fmt.Errorf("clear stop flag: %w", err)
	}
	return nil
}

// Exists reports whether an unexpired flag is set for the scan.
func (s *StopFlagStore) Exists(ctx context.Context, scanID string) (bool, error) {
	var expiresAt time.Time
	row := s.pool.QueryRow(ctx, `SELECT expires_at FROM stop_flags WHERE scan_id = $1`, scanID)
	if err := row.Scan(&expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read stop flag: %w", err)
	}
	if time.Now().UTC().After(expiresAt) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM stop_flags WHERE scan_id = $1`, scanID)
		return false, nil
	}
	return true, nil
}
