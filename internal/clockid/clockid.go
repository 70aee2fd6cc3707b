// Package clockid provides the control plane's clock and id generation seam.
//
// Every core component takes a Clock instead of calling time.Now() directly,
// so supervisor loops and the heartbeat protocol can be driven by a fake
// clock in tests (see the escalation ladder scenario in internal/heartbeat).
package clockid

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so tests can advance it deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock delegates to time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a manually-advanced clock for deterministic tests, grounded
// on the escalation-ladder scenario which needs to fast-forward by exact
// heartbeat TTL multiples.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewID returns a new random identifier. All entity ids (agents, tasks,
// events, dispatches, coordination points) are minted this way.
func NewID() string {
	return uuid.NewString()
}

// StableHash returns a hex-lowercase SHA-256 digest of b.
func StableHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
