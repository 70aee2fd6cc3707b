package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SupervisorCooldownExpiry returns the cooldown expiry recorded for key, and
// false if none is on record. Grounded on the restart orchestrator's
// cooldowns table lookup (internal/restart/orchestrator.go), generalized to
// an arbitrary string key so the supervisor loops' ad-hoc cooldowns survive
// a restart instead of living only in an in-process map.
func (s *Store) SupervisorCooldownExpiry(ctx context.Context, key string) (time.Time, bool, error) {
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM supervisor_cooldowns WHERE cooldown_key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query supervisor cooldown: %w", err)
	}
	return expiresAt, true, nil
}

// SetSupervisorCooldown upserts key's cooldown expiry.
func (s *Store) SetSupervisorCooldown(ctx context.Context, key string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supervisor_cooldowns (cooldown_key, expires_at) VALUES (?, ?)
		ON CONFLICT(cooldown_key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, expiresAt)
	if err != nil {
		return fmt.Errorf("upsert supervisor cooldown: %w", err)
	}
	return nil
}
