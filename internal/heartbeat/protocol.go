package heartbeat

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/store"
)

var logger = log.New(log.Writer(), "[HEARTBEAT] ", log.LstdFlags)

// Config holds the adaptive TTLs and escalation ladder, overridable via
// internal/config.
type Config struct {
	TTLIdle     time.Duration
	TTLRunning  time.Duration
	TTLGuardian time.Duration
	// EscalationThresholds maps consecutive-missed count to a level; any
	// count at or above the highest key uses that level.
	EscalationThresholds map[int]string
}

func DefaultConfig() Config {
	return Config{
		TTLIdle:     30 * time.Second,
		TTLRunning:  15 * time.Second,
		TTLGuardian: 60 * time.Second,
		EscalationThresholds: map[int]string{
			1: "warn",
			2: "degraded",
			3: "unresponsive",
		},
	}
}

// ttl returns the adaptive interval for the given status/kind combination.
func (c Config) ttl(status agent.Status, kind agent.Kind) time.Duration {
	switch kind {
	case agent.KindGuardian:
		return c.TTLGuardian
	case agent.KindMonitor, agent.KindWatchdog:
		return c.TTLRunning
	}
	switch status {
	case agent.StatusRunning:
		return c.TTLRunning
	default:
		return c.TTLIdle
	}
}

// Protocol is the receiver side of the heartbeat transport: checksum
// verification, sequence tracking, and the missed-heartbeat monitor.
type Protocol struct {
	store    *store.Store
	bus      *eventbus.Bus
	registry *agent.Registry
	clock    clockid.Clock
	cfg      Config
	restart  RestartTrigger
}

// RestartTrigger is invoked when an agent crosses into unresponsive, so the
// restart orchestrator can react without heartbeat importing it back
// (restart already depends on heartbeat/agent/task).
type RestartTrigger interface {
	TriggerRestart(ctx context.Context, agentID string) error
}

func NewProtocol(st *store.Store, bus *eventbus.Bus, reg *agent.Registry, clock clockid.Clock, cfg Config, restart RestartTrigger) *Protocol {
	return &Protocol{store: st, bus: bus, registry: reg, clock: clock, cfg: cfg, restart: restart}
}

// Receive validates, records, and acks a heartbeat per spec.md §4.4 steps 1-7.
func (p *Protocol) Receive(ctx context.Context, msg Message) (Ack, error) {
	ok, err := Verify(msg)
	if err != nil {
		return Ack{}, fmt.Errorf("verify checksum: %w", err)
	}
	if !ok {
		return Ack{AgentID: msg.AgentID, SequenceNumber: msg.SequenceNumber, Received: false, Message: "Checksum validation failed"}, nil
	}

	var ack Ack
	err = p.store.WithTx(ctx, func(tx *sql.Tx) error {
		a, gerr := p.getAgent(ctx, tx, msg.AgentID)
		if gerr != nil {
			if coreerr.Is(gerr, coreerr.KindNotFound) {
				ack = Ack{AgentID: msg.AgentID, SequenceNumber: msg.SequenceNumber, Received: false, Message: "Agent not found"}
				return nil
			}
			return gerr
		}

		gapMsg := ""
		if msg.SequenceNumber > a.ExpectedNextSequence {
			gapMsg = fmt.Sprintf("sequence gap %d..%d", a.ExpectedNextSequence, msg.SequenceNumber-1)
		} else if msg.SequenceNumber < a.CurrentSequence {
			gapMsg = "out-of-order or duplicate sequence"
		}

		if err := p.registry.RecordHeartbeatUpdate(ctx, tx, a.ID, msg.SequenceNumber, msg.Timestamp, agent.HealthHealthy); err != nil {
			return err
		}

		if a.Status == agent.StatusDegraded {
			if _, err := p.transitionLocked(ctx, tx, a.ID, a.Status, agent.StatusIdle, "recovered", "heartbeat_protocol"); err != nil {
				return err
			}
		}

		hasGaps := gapMsg != ""
		if err := p.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventHeartbeatReceived,
			EntityType: eventbus.EntityAgent,
			EntityID:   a.ID,
			Payload: map[string]any{
				"sequence_number": msg.SequenceNumber,
				"status":          msg.Status,
				"has_gaps":        hasGaps,
				"health_metrics":  msg.HealthMetrics,
			},
			OccurredAt: msg.Timestamp,
		}); err != nil {
			return err
		}

		auditID := clockid.NewID()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO heartbeats_audit (id, agent_id, sequence_number, status, has_gaps, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`, auditID, a.ID, msg.SequenceNumber, msg.Status, hasGaps, msg.Timestamp); err != nil {
			return fmt.Errorf("insert heartbeat audit: %w", err)
		}

		ack = Ack{AgentID: a.ID, SequenceNumber: msg.SequenceNumber, Received: true, Message: gapMsg}
		return nil
	})
	if err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// transitionLocked takes a status edge directly inside the caller's
// transaction instead of going back through the registry's own one. It is
// used for recovery (DEGRADED -> IDLE) and for escalation (-> DEGRADED,
// -> FAILED); it changes nothing and returns false when the state machine
// has no such edge.
func (p *Protocol) transitionLocked(ctx context.Context, tx *sql.Tx, agentID string, from, to agent.Status, reason, triggeredBy string) (bool, error) {
	if !agent.IsValidTransition(from, to) {
		return false, nil
	}
	now := p.clock.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, to, now, agentID); err != nil {
		return false, fmt.Errorf("update agent status: %w", err)
	}
	transID := clockid.NewID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_status_transitions (id, agent_id, from_status, to_status, reason, triggered_by, metadata, transitioned_at)
		VALUES (?, ?, ?, ?, ?, ?, '{}', ?)`, transID, agentID, from, to, reason, triggeredBy, now); err != nil {
		return false, fmt.Errorf("insert transition: %w", err)
	}
	if err := p.bus.Publish(ctx, tx, eventbus.SystemEvent{
		EventType:  eventbus.EventAgentStatusChanged,
		EntityType: eventbus.EntityAgent,
		EntityID:   agentID,
		Payload: map[string]any{
			"agent_id":        agentID,
			"previous_status": string(from),
			"new_status":      string(to),
			"reason":          reason,
			"triggered_by":    triggeredBy,
			"timestamp":       now,
		},
		OccurredAt: now,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// CheckMissedHeartbeats scans every operational agent and applies the
// escalation ladder. Idempotent and restart-safe: each call only bumps
// counters for agents that are actually over TTL.
func (p *Protocol) CheckMissedHeartbeats(ctx context.Context) error {
	candidates, err := p.registry.ListByStatuses(ctx, agent.StatusIdle, agent.StatusRunning, agent.StatusDegraded)
	if err != nil {
		return fmt.Errorf("list operational agents: %w", err)
	}

	now := p.clock.Now()
	for _, a := range candidates {
		ttl := p.cfg.ttl(a.Status, a.Kind)
		overdue := a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > ttl
		if !overdue {
			continue
		}
		if err := p.escalate(ctx, a); err != nil {
			logger.Printf("escalate agent %s failed: %v", a.ID, err)
		}
	}
	return nil
}

func (p *Protocol) escalate(ctx context.Context, a agent.Agent) error {
	var missed int
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		missed, err = p.registry.IncrementMissed(ctx, tx, a.ID)
		if err != nil {
			return err
		}

		level := p.escalationLevel(missed)
		payload := map[string]any{"missed_count": missed, "escalation_level": level}

		switch level {
		case "warn":
			// no status change
		case "degraded":
			if a.Status != agent.StatusDegraded {
				if _, err := p.transitionLocked(ctx, tx, a.ID, a.Status, agent.StatusDegraded, "heartbeat missed", "heartbeat_monitor"); err != nil {
					return err
				}
			}
		case "unresponsive":
			if err := p.registry.SetHealthLabel(ctx, tx, a.ID, agent.HealthUnresponsive); err != nil {
				return err
			}
			if a.Status != agent.StatusFailed {
				if ok, err := p.transitionLocked(ctx, tx, a.ID, a.Status, agent.StatusFailed, "heartbeat unresponsive", "heartbeat_monitor"); err != nil {
					return err
				} else if !ok {
					// The state machine has no IDLE -> FAILED edge, so an agent
					// still IDLE at this level keeps its status and is logged.
					logger.Printf("agent %s could not transition to FAILED from %s", a.ID, a.Status)
				}
			}
			payload["action"] = "Initiate restart protocol"
		}

		if err := p.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventHeartbeatMissed,
			EntityType: eventbus.EntityAgent,
			EntityID:   a.ID,
			Payload:    payload,
			OccurredAt: now(p.clock),
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if p.escalationLevel(missed) == "unresponsive" && p.restart != nil {
		if err := p.restart.TriggerRestart(ctx, a.ID); err != nil {
			logger.Printf("restart trigger for agent %s failed: %v", a.ID, err)
		}
	}
	return nil
}

// escalationLevel returns the ladder level for a missed count, using the
// highest configured threshold <= missed.
func (p *Protocol) escalationLevel(missed int) string {
	best := ""
	bestThreshold := -1
	for threshold, level := range p.cfg.EscalationThresholds {
		if missed >= threshold && threshold > bestThreshold {
			bestThreshold = threshold
			best = level
		}
	}
	if best == "" {
		return "warn"
	}
	return best
}

func (p *Protocol) getAgent(ctx context.Context, tx *sql.Tx, agentID string) (*agent.Agent, error) {
	return p.registry.GetForUpdate(ctx, tx, agentID)
}

func now(c clockid.Clock) time.Time { return c.Now() }
