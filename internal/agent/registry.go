package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/store"
)

var logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)

// Registry is the sole writer of Agent.status and AgentStatusTransition
// rows (per the data model's ownership rules).
type Registry struct {
	store *store.Store
	bus   *eventbus.Bus
	clock clockid.Clock
}

func NewRegistry(st *store.Store, bus *eventbus.Bus, clock clockid.Clock) *Registry {
	return &Registry{store: st, bus: bus, clock: clock}
}

// Register creates an agent row in SPAWNING.
func (r *Registry) Register(ctx context.Context, kind Kind, phase string, capabilities []string, capacity int, tags map[string]string) (*Agent, error) {
	if capacity <= 0 {
		capacity = 1
	}
	if tags == nil {
		tags = map[string]string{}
	}
	now := r.clock.Now()
	a := &Agent{
		ID:                   clockid.NewID(),
		Kind:                 kind,
		Phase:                phase,
		Capabilities:         capabilities,
		Capacity:             capacity,
		Status:               StatusSpawning,
		HealthLabel:          HealthHealthy,
		ExpectedNextSequence: 1,
		Tags:                 tags,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	tagsJSON, err := json.Marshal(a.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, kind, phase, capabilities, capacity, status, health_label,
				expected_next_sequence, current_sequence, consecutive_missed, lifetime_assignments,
				tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)`,
			a.ID, a.Kind, a.Phase, string(caps), a.Capacity, a.Status, a.HealthLabel,
			a.ExpectedNextSequence, string(tagsJSON), a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return r.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventAgentStatusChanged,
			EntityType: eventbus.EntityAgent,
			EntityID:   a.ID,
			Payload: map[string]any{
				"agent_id":      a.ID,
				"new_status":    string(a.Status),
				"reason":        "registered",
				"triggered_by":  "registry",
			},
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Complete transitions SPAWNING -> IDLE, the completion of registration or
// first successful heartbeat.
func (r *Registry) Complete(ctx context.Context, agentID string) (*Agent, error) {
	return r.TransitionStatus(ctx, agentID, StatusIdle, "registration complete", "registry", nil, nil, false)
}

// TransitionStatus validates the edge against the state machine (unless
// force), writes the audit row, and publishes AGENT_STATUS_CHANGED — all in
// one transaction, per the ownership rule that every transition commits
// audit + event atomically with the status change.
func (r *Registry) TransitionStatus(ctx context.Context, agentID string, to Status, reason, triggeredBy string, taskID *string, metadata map[string]any, force bool) (*Agent, error) {
	if !isKnownStatus(to) {
		return nil, coreerr.New(coreerr.KindValidation, coreerr.ErrInvalidStatus, string(to))
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	var result Agent
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		a, err := getAgentForUpdate(ctx, tx, agentID)
		if err != nil {
			return err
		}

		if a.Status == to && !force {
			return coreerr.New(coreerr.KindContract, coreerr.ErrSameState, string(to))
		}
		if a.Status != to && !force && !IsValidTransition(a.Status, to) {
			return coreerr.New(coreerr.KindContract, coreerr.ErrInvalidTransition, fmt.Sprintf("%s->%s", a.Status, to))
		}

		from := a.Status
		now := r.clock.Now()
		a.Status = to
		a.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, to, now, agentID); err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}

		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal transition metadata: %w", err)
		}
		transID := clockid.NewID()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_status_transitions (id, agent_id, from_status, to_status, reason, triggered_by, task_id, metadata, transitioned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			transID, agentID, from, to, reason, triggeredBy, nullableStr(taskID), string(metaJSON), now); err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}

		payload := map[string]any{
			"agent_id":        agentID,
			"previous_status": string(from),
			"new_status":      string(to),
			"reason":          reason,
			"triggered_by":    triggeredBy,
			"timestamp":       now,
		}
		if taskID != nil {
			payload["task_id"] = *taskID
		}
		if err := r.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventAgentStatusChanged,
			EntityType: eventbus.EntityAgent,
			EntityID:   agentID,
			Payload:    payload,
			OccurredAt: now,
		}); err != nil {
			return err
		}

		result = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindBestFit ranks IDLE agents by capability overlap, breaking ties with
// loadFn (current running-task count, supplied by the caller since the
// registry does not hold a reference to the task queue) then lifetime
// assignments. Returns nil, false if nothing scores >= 0.5.
func (r *Registry) FindBestFit(ctx context.Context, requiredCaps []string, phase string, kind Kind, loadFn func(agentID string) int) (*Match, bool, error) {
	matches, err := r.Search(ctx, requiredCaps, phase, kind, 0, loadFn)
	if err != nil {
		return nil, false, err
	}
	if len(matches) == 0 || matches[0].Score < 0.5 {
		return nil, false, nil
	}
	return &matches[0], true, nil
}

// Search returns IDLE agents ranked by capability overlap score, filtered by
// phase/kind when non-empty, limited to limit results (0 = unlimited).
func (r *Registry) Search(ctx context.Context, requiredCaps []string, phase string, kind Kind, limit int, loadFn func(agentID string) int) ([]Match, error) {
	query := `SELECT id, kind, phase, capabilities, capacity, status, health_label,
		last_heartbeat, expected_next_sequence, current_sequence, consecutive_missed,
		lifetime_assignments, tags, created_at, updated_at
		FROM agents WHERE status = ?`
	args := []any{StatusIdle}
	if phase != "" {
		query += " AND phase = ?"
		args = append(args, phase)
	}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}

	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidate agents: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		score := capabilityScore(requiredCaps, a.Capabilities)
		matches = append(matches, Match{Agent: *a, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		var li, lj int
		if loadFn != nil {
			li, lj = loadFn(matches[i].Agent.ID), loadFn(matches[j].Agent.ID)
		}
		if li != lj {
			return li < lj
		}
		return matches[i].Agent.LifetimeAssignments < matches[j].Agent.LifetimeAssignments
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func capabilityScore(required, have []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	haveSet := make(map[string]bool, len(have))
	for _, c := range have {
		haveSet[c] = true
	}
	matched := 0
	for _, c := range required {
		if haveSet[c] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// GetTransitionHistory returns the most recent transitions first.
func (r *Registry) GetTransitionHistory(ctx context.Context, agentID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT id, agent_id, from_status, to_status, reason, triggered_by, task_id, metadata, transitioned_at
		FROM agent_status_transitions WHERE agent_id = ? ORDER BY transitioned_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transition history: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var taskID sql.NullString
		var metaJSON string
		if err := rows.Scan(&t.ID, &t.AgentID, &t.From, &t.To, &t.Reason, &t.TriggeredBy, &taskID, &metaJSON, &t.TransitionedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if taskID.Valid {
			id := taskID.String
			t.TaskID = &id
		}
		_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get fetches a single agent by id.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	row := r.store.DB().QueryRowContext(ctx, `
		SELECT id, kind, phase, capabilities, capacity, status, health_label,
			last_heartbeat, expected_next_sequence, current_sequence, consecutive_missed,
			lifetime_assignments, tags, created_at, updated_at
		FROM agents WHERE id = ?`, agentID)
	a, err := scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFound("agent " + agentID)
	}
	return a, err
}

// ListByStatuses returns every agent in any of the given statuses.
func (r *Registry) ListByStatuses(ctx context.Context, statuses ...Status) ([]Agent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(s)
	}
	rows, err := r.store.DB().QueryContext(ctx, fmt.Sprintf(`
		SELECT id, kind, phase, capabilities, capacity, status, health_label,
			last_heartbeat, expected_next_sequence, current_sequence, consecutive_missed,
			lifetime_assignments, tags, created_at, updated_at
		FROM agents WHERE status IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("query agents by status: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RecordHeartbeatUpdate is called by the heartbeat protocol to persist
// sequence/last-heartbeat/health updates outside the general-purpose
// TransitionStatus path (no status edge necessarily occurs).
func (r *Registry) RecordHeartbeatUpdate(ctx context.Context, tx *sql.Tx, agentID string, seq int64, at time.Time, health HealthLabel) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ?, current_sequence = ?, expected_next_sequence = ?,
			consecutive_missed = 0, health_label = ?, updated_at = ? WHERE id = ?`,
		at, seq, seq+1, health, at, agentID)
	if err != nil {
		return fmt.Errorf("record heartbeat update: %w", err)
	}
	return nil
}

// IncrementMissed bumps the consecutive-missed counter, returning the new
// value, used by the heartbeat monitor's escalation ladder.
func (r *Registry) IncrementMissed(ctx context.Context, tx *sql.Tx, agentID string) (int, error) {
	var count int
	if err := tx.QueryRowContext(ctx, `UPDATE agents SET consecutive_missed = consecutive_missed + 1 WHERE id = ? RETURNING consecutive_missed`, agentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment missed: %w", err)
	}
	return count, nil
}

// SetHealthLabel updates the free-form health reading independent of Status.
func (r *Registry) SetHealthLabel(ctx context.Context, tx *sql.Tx, agentID string, label HealthLabel) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET health_label = ? WHERE id = ?`, label, agentID)
	return err
}

// IncrementLifetimeAssignments bumps the counter used as a tie-break in
// FindBestFit.
func (r *Registry) IncrementLifetimeAssignments(ctx context.Context, tx *sql.Tx, agentID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET lifetime_assignments = lifetime_assignments + 1 WHERE id = ?`, agentID)
	return err
}

// GetForUpdate fetches an agent inside an existing transaction. Callers
// that already hold a *sql.Tx (the store serializes writers behind a single
// connection) must use this instead of Get to avoid deadlocking against
// themselves.
func (r *Registry) GetForUpdate(ctx context.Context, tx *sql.Tx, agentID string) (*Agent, error) {
	return getAgentForUpdate(ctx, tx, agentID)
}

func getAgentForUpdate(ctx context.Context, tx *sql.Tx, agentID string) (*Agent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, kind, phase, capabilities, capacity, status, health_label,
			last_heartbeat, expected_next_sequence, current_sequence, consecutive_missed,
			lifetime_assignments, tags, created_at, updated_at
		FROM agents WHERE id = ?`, agentID)
	a, err := scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFound("agent " + agentID)
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(rows *sql.Rows) (*Agent, error) {
	return scanAgentRow(rows)
}

func scanAgentRow(s scanner) (*Agent, error) {
	var a Agent
	var capsJSON, tagsJSON string
	var lastHB sql.NullTime
	if err := s.Scan(&a.ID, &a.Kind, &a.Phase, &capsJSON, &a.Capacity, &a.Status, &a.HealthLabel,
		&lastHB, &a.ExpectedNextSequence, &a.CurrentSequence, &a.ConsecutiveMissed,
		&a.LifetimeAssignments, &tagsJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if lastHB.Valid {
		t := lastHB.Time
		a.LastHeartbeat = &t
	}
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &a, nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
