package supervisor

import (
	"context"
	"time"

	"github.com/opsfleet/orchestrator/internal/store"
)

// cooldownTracker dedupes repeated actions against the same key within a
// window, grounded on the teacher's internal/metrics/alerts.go
// shouldAlert/recentAlerts idiom, generalized to an arbitrary cooldown.
// State is persisted to the supervisor_cooldowns table rather than kept
// in-process, so a restart mid-cooldown does not immediately re-fire.
type cooldownTracker struct {
	store *store.Store
}

func newCooldownTracker(st *store.Store) *cooldownTracker {
	return &cooldownTracker{store: st}
}

// ShouldFire reports whether key is not on cooldown as of now, recording now
// against key if so.
func (c *cooldownTracker) ShouldFire(ctx context.Context, key string, cooldown time.Duration, now time.Time) bool {
	expiresAt, ok, err := c.store.SupervisorCooldownExpiry(ctx, key)
	if err != nil {
		logger.Printf("read cooldown %s: %v", key, err)
		return false
	}
	if ok && now.Before(expiresAt) {
		return false
	}
	if err := c.store.SetSupervisorCooldown(ctx, key, now.Add(cooldown)); err != nil {
		logger.Printf("set cooldown %s: %v", key, err)
		return false
	}
	return true
}
