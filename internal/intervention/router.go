// Package intervention implements the Intervention Router: routes a
// guardian steering message to either a sandboxed agent (via the Runtime
// adapter) or a legacy in-process agent (via a local conversation handle),
// always recording the attempt in the audit log regardless of transport
// outcome. Generalized from the teacher's internal/router/comms.go
// SendSignal/TriggerShutdown and internal/router/router.go's classification
// style.
package intervention

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/runtime"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/task"
)

var logger = log.New(log.Writer(), "[INTERVENTION] ", log.LstdFlags)

// AuditRecord is the persisted guardian_actions row for a steering attempt.
type AuditRecord struct {
	ID             string
	Target         string
	Reason         string
	InitiatedBy    string
	AuthorityLevel agent.AuthorityLevel
	RoutedOK       bool
}

// actionState is the before/after snapshot persisted in guardian_actions,
// narrow enough for RevertAction to undo a steer: the target's status at
// the moment of the intervention.
type actionState struct {
	Status string `json:"status"`
}

// Router is the sandbox-vs-in-process dispatch seam.
type Router struct {
	store         *store.Store
	bus           *eventbus.Bus
	registry      *agent.Registry
	queue         *task.Queue
	runtime       runtime.AgentRuntime
	conversations *Conversations
	clock         clockid.Clock
}

func NewRouter(st *store.Store, bus *eventbus.Bus, reg *agent.Registry, q *task.Queue, rt runtime.AgentRuntime, conversations *Conversations, clock clockid.Clock) *Router {
	return &Router{store: st, bus: bus, registry: reg, queue: q, runtime: rt, conversations: conversations, clock: clock}
}

// Steer looks up agentID's current task and routes message to whichever
// transport applies, per spec.md §4.11. Always records the intervention;
// routedOK reflects whether the transport call itself succeeded. The
// target's status at call time is snapshotted as before_state so a later
// RevertAction can restore it.
func (r *Router) Steer(ctx context.Context, agentID, message, initiatedBy string, authority agent.AuthorityLevel) (AuditRecord, error) {
	before, err := r.registry.Get(ctx, agentID)
	if err != nil {
		return AuditRecord{}, err
	}

	t, err := r.currentTask(ctx, agentID)
	if err != nil {
		return AuditRecord{}, err
	}

	routedOK := true
	var routeErr error
	if t.SandboxID != nil {
		if _, err := r.runtime.Inject(ctx, *t.SandboxID, message, runtime.MessageGuardianNudge); err != nil {
			routedOK = false
			routeErr = err
		}
	} else if t.ConversationID != nil {
		if err := r.conversations.Send(*t.ConversationID, message); err != nil {
			routedOK = false
			routeErr = err
		}
	} else {
		routedOK = false
		routeErr = fmt.Errorf("agent %s has no sandbox_id or conversation_id to route through", agentID)
	}

	record := AuditRecord{
		ID:             clockid.NewID(),
		Target:         agentID,
		Reason:         message,
		InitiatedBy:    initiatedBy,
		AuthorityLevel: authority,
		RoutedOK:       routedOK,
	}

	if err := r.audit(ctx, "steer", record, actionState{Status: string(before.Status)}, actionState{Status: string(before.Status)}); err != nil {
		return record, err
	}
	if routeErr != nil {
		logger.Printf("steering transport failed for agent %s: %v", agentID, routeErr)
	}
	return record, nil
}

// RevertAction undoes a previously recorded guardian action identified by
// actionID: restores the target agent to its before_state status and marks
// the row reverted. Requires GUARDIAN authority, per spec.md §3's
// GuardianAction.reverted_at field being a guardian-only rollback. Fails if
// the action was already reverted or does not exist.
func (r *Router) RevertAction(ctx context.Context, actionID, initiatedBy string, authority agent.AuthorityLevel) (AuditRecord, error) {
	if !authority.AtLeast(agent.AuthorityGuardian) {
		return AuditRecord{}, coreerr.Validation("revert requires GUARDIAN authority")
	}

	var (
		target   string
		before   actionState
		reverted sql.NullTime
	)
	row := r.store.DB().QueryRowContext(ctx,
		`SELECT target, before_state, reverted_at FROM guardian_actions WHERE id = ?`, actionID)
	var beforeRaw string
	if err := row.Scan(&target, &beforeRaw, &reverted); err != nil {
		if err == sql.ErrNoRows {
			return AuditRecord{}, coreerr.NotFound("guardian action " + actionID)
		}
		return AuditRecord{}, fmt.Errorf("scan guardian action %s: %w", actionID, err)
	}
	if reverted.Valid {
		return AuditRecord{}, coreerr.Contract(coreerr.ErrSameState, "guardian action "+actionID+" already reverted")
	}
	if err := json.Unmarshal([]byte(beforeRaw), &before); err != nil {
		return AuditRecord{}, fmt.Errorf("unmarshal before_state for %s: %w", actionID, err)
	}

	now := r.clock.Now()
	if before.Status != "" {
		if _, err := r.registry.TransitionStatus(ctx, target, agent.Status(before.Status), "revert guardian action "+actionID, initiatedBy, nil, nil, true); err != nil {
			return AuditRecord{}, fmt.Errorf("restore agent %s to %s: %w", target, before.Status, err)
		}
	}

	if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE guardian_actions SET reverted_at = ? WHERE id = ?`, now, actionID); err != nil {
			return fmt.Errorf("mark guardian action %s reverted: %w", actionID, err)
		}
		return r.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventGuardianActionReverted,
			EntityType: eventbus.EntityAgent,
			EntityID:   target,
			Payload: map[string]any{
				"action_id":    actionID,
				"target":       target,
				"initiated_by": initiatedBy,
			},
			OccurredAt: now,
		})
	}); err != nil {
		return AuditRecord{}, err
	}

	return AuditRecord{ID: actionID, Target: target, InitiatedBy: initiatedBy, AuthorityLevel: authority, RoutedOK: true}, nil
}

func (r *Router) currentTask(ctx context.Context, agentID string) (*task.Task, error) {
	tasks, err := r.queue.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, coreerr.NotFound("current task for agent " + agentID)
	}
	return &tasks[0], nil
}

func (r *Router) audit(ctx context.Context, actionType string, rec AuditRecord, before, after actionState) error {
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)

	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO guardian_actions (id, action_type, target, reason, initiated_by, authority_level, before_state, after_state, routed_ok, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, actionType, rec.Target, rec.Reason, rec.InitiatedBy, rec.AuthorityLevel, string(beforeJSON), string(afterJSON), rec.RoutedOK, r.clock.Now())
		if err != nil {
			return fmt.Errorf("insert guardian action: %w", err)
		}

		return r.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventGuardianIntervention,
			EntityType: eventbus.EntityAgent,
			EntityID:   rec.Target,
			Payload: map[string]any{
				"target":       rec.Target,
				"routed_ok":    rec.RoutedOK,
				"initiated_by": rec.InitiatedBy,
			},
			OccurredAt: r.clock.Now(),
		})
	})
}
