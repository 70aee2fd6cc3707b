// Package restart implements the Restart Orchestrator: drains a failed
// agent's in-flight tasks back to pending, spins up a replacement, and
// terminates the failed agent, all gated by a crash-safe cooldown.
// Grounded on the teacher's internal/captain/supervisor.go crash-loop
// protection fields (respawnCount/maxRespawns/windowDuration).
package restart

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/task"
)

var logger = log.New(log.Writer(), "[RESTART] ", log.LstdFlags)

// Config holds the cooldown and max-restarts tunables.
type Config struct {
	CooldownSeconds int
	MaxRestarts     int
}

func DefaultConfig() Config {
	return Config{CooldownSeconds: 60, MaxRestarts: 3}
}

// Orchestrator drives the FAILED -> replacement lifecycle.
type Orchestrator struct {
	store    *store.Store
	bus      *eventbus.Bus
	registry *agent.Registry
	queue    *task.Queue
	clock    clockid.Clock
	cfg      Config
}

func NewOrchestrator(st *store.Store, bus *eventbus.Bus, reg *agent.Registry, q *task.Queue, clock clockid.Clock, cfg Config) *Orchestrator {
	return &Orchestrator{store: st, bus: bus, registry: reg, queue: q, clock: clock, cfg: cfg}
}

// TriggerRestart implements heartbeat.RestartTrigger, invoked when an agent
// crosses into unresponsive. Equivalent to Restart with MONITOR authority
// and force=false.
func (o *Orchestrator) TriggerRestart(ctx context.Context, agentID string) error {
	_, err := o.Restart(ctx, agentID, "heartbeat unresponsive", "heartbeat_monitor", agent.AuthorityMonitor, false)
	return err
}

// Result summarizes a completed restart.
type Result struct {
	AgentID            string
	ReplacementAgentID string
	ReassignedTaskIDs  []string
}

// Restart runs the five steps of spec.md §4.8. authority must be >= MONITOR;
// guardian-authority callers may pass force=true to bypass cooldown/max
// checks.
func (o *Orchestrator) Restart(ctx context.Context, agentID, reason, initiatedBy string, authority agent.AuthorityLevel, force bool) (*Result, error) {
	if !authority.AtLeast(agent.AuthorityMonitor) {
		return nil, coreerr.Validation("restart requires >= MONITOR authority")
	}
	if force && authority != agent.AuthorityGuardian {
		return nil, coreerr.Validation("force-restart requires GUARDIAN authority")
	}

	if !force {
		onCooldown, err := o.onCooldown(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if onCooldown {
			return nil, coreerr.New(coreerr.KindConcurrency, coreerr.ErrCooldownActive, agentID)
		}
		count, err := o.restartCount(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if count >= o.cfg.MaxRestarts {
			return nil, coreerr.New(coreerr.KindPermanent, coreerr.ErrMaxRestartsExceeded, agentID)
		}
	}

	failedAgent, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	reassigned, err := o.drain(ctx, agentID)
	if err != nil {
		return nil, err
	}

	replacement, err := o.registry.Register(ctx, failedAgent.Kind, failedAgent.Phase, failedAgent.Capabilities, failedAgent.Capacity, failedAgent.Tags)
	if err != nil {
		return nil, fmt.Errorf("register replacement agent: %w", err)
	}

	if _, err := o.registry.TransitionStatus(ctx, agentID, agent.StatusTerminated, "restart", initiatedBy, nil, nil, true); err != nil {
		return nil, fmt.Errorf("terminate failed agent: %w", err)
	}

	if err := o.recordRestart(ctx, agentID, replacement.ID, reason, initiatedBy, reassigned); err != nil {
		return nil, err
	}

	logger.Printf("restarted agent %s -> %s (%d tasks reassigned, reason=%s)", agentID, replacement.ID, len(reassigned), reason)

	return &Result{AgentID: agentID, ReplacementAgentID: replacement.ID, ReassignedTaskIDs: reassigned}, nil
}

// drain puts every assigned/running task of the failed agent back to
// pending, satisfying P9 (none remain bound to the failed agent id).
func (o *Orchestrator) drain(ctx context.Context, agentID string) ([]string, error) {
	tasks, err := o.queue.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent tasks: %w", err)
	}

	var ids []string
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if err := o.queue.ReassignToPending(ctx, t.ID); err != nil {
			return nil, fmt.Errorf("reassign task %s: %w", t.ID, err)
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (o *Orchestrator) onCooldown(ctx context.Context, agentID string) (bool, error) {
	var expiresAt time.Time
	err := o.store.DB().QueryRowContext(ctx, `SELECT cooldown_expires_at FROM cooldowns WHERE agent_id = ?`, agentID).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query cooldown: %w", err)
	}
	return o.clock.Now().Before(expiresAt), nil
}

func (o *Orchestrator) restartCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := o.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM restart_attempts WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count restart attempts: %w", err)
	}
	return n, nil
}

func (o *Orchestrator) recordRestart(ctx context.Context, agentID, replacementID, reason, initiatedBy string, reassigned []string) error {
	reassignedJSON := marshalIDsOrEmpty(reassigned)
	now := o.clock.Now()
	cooldownExpiry := now.Add(time.Duration(o.cfg.CooldownSeconds) * time.Second)

	return o.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO restart_attempts (id, agent_id, replacement_agent_id, reason, reassigned_task_ids, initiated_by, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			clockid.NewID(), agentID, replacementID, reason, reassignedJSON, initiatedBy, now); err != nil {
			return fmt.Errorf("insert restart attempt: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cooldowns (agent_id, cooldown_expires_at) VALUES (?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET cooldown_expires_at = excluded.cooldown_expires_at`,
			agentID, cooldownExpiry); err != nil {
			return fmt.Errorf("upsert cooldown: %w", err)
		}

		return o.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventAgentRestarted,
			EntityType: eventbus.EntityAgent,
			EntityID:   agentID,
			Payload: map[string]any{
				"agent_id":             agentID,
				"replacement_agent_id": replacementID,
				"reassigned_task_ids":  reassigned,
				"reason":               reason,
			},
			OccurredAt: now,
		})
	})
}

func marshalIDsOrEmpty(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}
