package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/store"
)

var logger = log.New(log.Writer(), "[TASK] ", log.LstdFlags)

// RetryConfig controls backoff and the default retryable-error set.
type RetryConfig struct {
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	MaxRetriesDefault   int
	RetryableSubstrings []string
	DefaultTimeout      time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:           1 * time.Second,
		MaxDelay:            60 * time.Second,
		MaxRetriesDefault:   3,
		RetryableSubstrings: DefaultRetryableSubstrings,
		DefaultTimeout:      600 * time.Second,
	}
}

// Queue is the sole writer of Task.status and the retry/timeout fields.
type Queue struct {
	store *store.Store
	bus   *eventbus.Bus
	clock clockid.Clock
	cfg   RetryConfig
}

func NewQueue(st *store.Store, bus *eventbus.Bus, clock clockid.Clock, cfg RetryConfig) *Queue {
	return &Queue{store: st, bus: bus, clock: clock, cfg: cfg}
}

// EnqueueParams carries Enqueue's arguments; zero values take defaults.
type EnqueueParams struct {
	TicketID        string
	Phase           string
	TaskType        string
	Priority        Priority
	Description     string
	RequiredCaps    []string
	Dependencies    []string
	MaxRetries      int
	TimeoutSeconds  int
	ExecutionConfig map[string]any
}

// Enqueue creates a pending task, rejecting with CircularDependency if any
// dependency is reverse-reachable from the task-to-be.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*Task, error) {
	if p.MaxRetries <= 0 {
		p.MaxRetries = q.cfg.MaxRetriesDefault
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = int(q.cfg.DefaultTimeout.Seconds())
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if p.ExecutionConfig == nil {
		p.ExecutionConfig = map[string]any{}
	}

	t := &Task{
		ID:                 clockid.NewID(),
		TicketID:           p.TicketID,
		Phase:              p.Phase,
		TaskType:           p.TaskType,
		Description:        p.Description,
		Priority:           p.Priority,
		Status:             StatusPending,
		RequiredCaps:       p.RequiredCaps,
		Dependencies:       p.Dependencies,
		MaxRetries:         p.MaxRetries,
		BackoffBaseSeconds: q.cfg.BaseDelay.Seconds(),
		TimeoutSeconds:     p.TimeoutSeconds,
		ExecutionConfig:    p.ExecutionConfig,
		CreatedAt:          q.clock.Now(),
	}

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := checkCycle(ctx, tx, t.ID, t.Dependencies); err != nil {
			return err
		}
		return insertTask(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AddDependency adds dependsOn to taskID's dependency set, rejecting with
// CircularDependency if dependsOn already (transitively) depends on taskID.
func (q *Queue) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := checkCycle(ctx, tx, taskID, []string{dependsOn}); err != nil {
			return err
		}
		t, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		deps := append(append([]string{}, t.Dependencies...), dependsOn)
		depsJSON, err := json.Marshal(deps)
		if err != nil {
			return fmt.Errorf("marshal dependencies: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET dependencies = ? WHERE id = ?`, string(depsJSON), taskID)
		return err
	})
}

// checkCycle walks the transitive dependency closure of each candidate dep
// and rejects if forTaskID appears in it — that would mean dep already
// depends (transitively) on forTaskID, so forTaskID depending on dep would
// close a cycle.
func checkCycle(ctx context.Context, tx *sql.Tx, forTaskID string, newDeps []string) error {
	for _, dep := range newDeps {
		ancestors, err := ancestorsOf(ctx, tx, dep)
		if err != nil {
			return err
		}
		if ancestors[forTaskID] {
			return coreerr.New(coreerr.KindContract, coreerr.ErrCircularDependency, fmt.Sprintf("%s -> %s", forTaskID, dep))
		}
	}
	return nil
}

func ancestorsOf(ctx context.Context, tx *sql.Tx, taskID string) (map[string]bool, error) {
	seen := map[string]bool{}
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		var depsJSON string
		err := tx.QueryRowContext(ctx, `SELECT dependencies FROM tasks WHERE id = ?`, id).Scan(&depsJSON)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query dependencies for %s: %w", id, err)
		}
		var deps []string
		if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies for %s: %w", id, err)
		}
		queue = append(queue, deps...)
	}
	return seen, nil
}

// GetNextTask selects, without assigning, the first ready pending task by
// priority desc / created_at asc, optionally filtered by phase and by
// requiredCaps (task's required caps must be a subset of agentCaps when
// agentCaps is non-nil). The selection runs in a write-serialized
// transaction but takes no claim on the row: two callers can be handed the
// same task, and only one of their Assign compare-and-sets succeeds. A
// task another caller has already taken is not skipped in favour of the
// next candidate.
func (q *Queue) GetNextTask(ctx context.Context, phase string, agentCaps []string) (*Task, bool, error) {
	var result *Task
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		candidates, err := pendingCandidates(ctx, tx, phase)
		if err != nil {
			return err
		}
		completed, err := completedTaskSet(ctx, tx)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if !c.Ready(completed) {
				continue
			}
			if agentCaps != nil && !capsSubset(c.RequiredCaps, agentCaps) {
				continue
			}
			result = &c
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, nil
	}
	return result, true, nil
}

func capsSubset(required, have []string) bool {
	haveSet := make(map[string]bool, len(have))
	for _, c := range have {
		haveSet[c] = true
	}
	for _, c := range required {
		if !haveSet[c] {
			return false
		}
	}
	return true
}

func pendingCandidates(ctx context.Context, tx *sql.Tx, phase string) ([]Task, error) {
	// Priority is an application-level enum (CRITICAL > HIGH > MEDIUM > LOW),
	// not lexically ordered, so rows are sorted in Go after fetch rather than
	// via SQL ORDER BY on the text column.
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{StatusPending}
	if phase != "" {
		query += " AND phase = ?"
		args = append(args, phase)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if priorityRank[out[i].Priority] != priorityRank[out[j].Priority] {
			return priorityRank[out[i].Priority] > priorityRank[out[j].Priority]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func completedTaskSet(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?`, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query completed tasks: %w", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Assign performs the pending->assigned compare-and-set; at most one caller
// among concurrent dispatchers succeeds (P1).
func (q *Queue) Assign(ctx context.Context, taskID, assigneeID string, isSandbox bool) (*Task, error) {
	var result Task
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if isSandbox {
			res, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, sandbox_id = ? WHERE id = ? AND status = ?`,
				StatusAssigned, assigneeID, taskID, StatusPending)
		} else {
			res, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, assigned_agent_id = ? WHERE id = ? AND status = ?`,
				StatusAssigned, assigneeID, taskID, StatusPending)
		}
		if err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return coreerr.New(coreerr.KindConcurrency, coreerr.ErrAssignmentConflict, taskID)
		}

		t, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}

		evtType := eventbus.EventTaskAssigned
		payload := map[string]any{"task_id": taskID}
		if isSandbox {
			evtType = eventbus.EventTaskSandboxSpawned
			payload["sandbox_id"] = assigneeID
		} else {
			payload["agent_id"] = assigneeID
		}
		if err := q.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  evtType,
			EntityType: eventbus.EntityTask,
			EntityID:   taskID,
			Payload:    payload,
			OccurredAt: q.clock.Now(),
		}); err != nil {
			return err
		}

		result = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateStatusParams carries UpdateStatus's optional fields.
type UpdateStatusParams struct {
	Result         map[string]any
	ErrorMessage   string
	ConversationID *string
	PersistenceDir *string
	SandboxID      *string
}

var validTaskTransitions = map[Status]map[Status]bool{
	StatusAssigned: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusTimedOut:        true,
		StatusNeedsRevision:   true,
		StatusNeedsValidation: true,
	},
	StatusNeedsValidation: {
		StatusPendingValidation: true,
		StatusCompleted:         true,
		StatusFailed:            true,
	},
	StatusPendingValidation: {
		StatusCompleted:     true,
		StatusNeedsRevision: true,
		StatusFailed:        true,
	},
	StatusNeedsRevision: {
		StatusPending: true,
	},
}

// UpdateStatus enforces the transition rules and publishes the matching
// TASK_* event. completed/cancelled/timed_out are terminal and freeze
// result/error on entry (P6).
func (q *Queue) UpdateStatus(ctx context.Context, taskID string, newStatus Status, p UpdateStatusParams) (*Task, error) {
	var result Task
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return coreerr.New(coreerr.KindContract, coreerr.ErrTerminalFrozen, taskID)
		}
		if !validTaskTransitions[t.Status][newStatus] {
			return coreerr.New(coreerr.KindContract, coreerr.ErrInvalidTransition, fmt.Sprintf("%s->%s", t.Status, newStatus))
		}

		now := q.clock.Now()
		sets := []string{"status = ?"}
		args := []any{newStatus}

		if t.Status != StatusRunning && newStatus == StatusRunning {
			sets = append(sets, "started_at = ?")
			args = append(args, now)
		}
		if newStatus.IsTerminal() {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		}
		if p.ErrorMessage != "" {
			sets = append(sets, "error_message = ?")
			args = append(args, p.ErrorMessage)
		}
		if p.Result != nil {
			resultJSON, err := json.Marshal(p.Result)
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
			sets = append(sets, "result = ?")
			args = append(args, string(resultJSON))
		}
		if p.ConversationID != nil {
			sets = append(sets, "conversation_id = ?")
			args = append(args, *p.ConversationID)
		}
		if p.PersistenceDir != nil {
			sets = append(sets, "persistence_dir = ?")
			args = append(args, *p.PersistenceDir)
		}
		if p.SandboxID != nil {
			sets = append(sets, "sandbox_id = ?")
			args = append(args, *p.SandboxID)
		}
		args = append(args, taskID)

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		evt, payload := statusEventFor(newStatus, taskID, t, p)
		if evt != "" {
			if err := q.bus.Publish(ctx, tx, eventbus.SystemEvent{
				EventType:  evt,
				EntityType: eventbus.EntityTask,
				EntityID:   taskID,
				Payload:    payload,
				OccurredAt: now,
			}); err != nil {
				return err
			}
		}

		t2, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		result = *t2
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func statusEventFor(newStatus Status, taskID string, prior *Task, p UpdateStatusParams) (eventbus.EventType, map[string]any) {
	switch newStatus {
	case StatusCompleted:
		return eventbus.EventTaskCompleted, map[string]any{"task_id": taskID, "result": p.Result}
	case StatusFailed:
		return eventbus.EventTaskFailed, map[string]any{
			"task_id": taskID, "error": p.ErrorMessage,
			"retry_count": prior.RetryCount, "max_retries": prior.MaxRetries, "attempt": prior.RetryCount + 1,
		}
	case StatusTimedOut:
		return eventbus.EventTaskTimedOut, map[string]any{"task_id": taskID, "timeout_seconds": prior.TimeoutSeconds}
	default:
		return "", nil
	}
}

// ShouldRetry reports whether the task is eligible for another attempt.
func (q *Queue) ShouldRetry(ctx context.Context, taskID string) (bool, error) {
	var t Task
	row := q.store.DB().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	got, err := scanTask(row)
	if err == sql.ErrNoRows {
		return false, coreerr.NotFound("task " + taskID)
	}
	if err != nil {
		return false, err
	}
	t = *got
	return t.Status == StatusFailed && t.RetryCount < t.MaxRetries && q.IsRetryable(t.ErrorMessage), nil
}

// IncrementRetry bumps retry_count, moves the task back to pending, and
// publishes TASK_RETRY_SCHEDULED with the backoff delay the caller should
// wait before re-dispatching.
func (q *Queue) IncrementRetry(ctx context.Context, taskID string) (*Task, time.Duration, error) {
	var result Task
	var delay time.Duration
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		newRetryCount := t.RetryCount + 1
		delay = backoffDelay(q.cfg.BaseDelay, q.cfg.MaxDelay, newRetryCount)

		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET retry_count = ?, status = ? WHERE id = ?`,
			newRetryCount, StatusPending, taskID); err != nil {
			return fmt.Errorf("increment retry: %w", err)
		}

		if err := q.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventTaskRetryScheduled,
			EntityType: eventbus.EntityTask,
			EntityID:   taskID,
			Payload: map[string]any{
				"task_id":       taskID,
				"retry_count":   newRetryCount,
				"delay_seconds": delay.Seconds(),
			},
			OccurredAt: q.clock.Now(),
		}); err != nil {
			return err
		}

		t2, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		result = *t2
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &result, delay, nil
}

// MarkPermanentlyFailed is called once ShouldRetry is false for a failed
// task, publishing TASK_PERMANENTLY_FAILED with the terminal reason.
func (q *Queue) MarkPermanentlyFailed(ctx context.Context, taskID string, reason string) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		return q.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventTaskPermanentlyFailed,
			EntityType: eventbus.EntityTask,
			EntityID:   taskID,
			Payload:    map[string]any{"task_id": taskID, "reason": reason},
			OccurredAt: q.clock.Now(),
		})
	})
}

// backoffDelay computes min(maxDelay, base * 2^retryCount) * jitter(0.75..1.25).
func backoffDelay(base, maxDelay time.Duration, retryCount int) time.Duration {
	mult := 1 << retryCount
	d := base * time.Duration(mult)
	if d > maxDelay {
		d = maxDelay
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// GetTimedOutTasks returns assigned/running tasks whose deadline has passed.
func (q *Queue) GetTimedOutTasks(ctx context.Context) ([]Task, error) {
	rows, err := q.store.DB().QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) AND started_at IS NOT NULL`,
		StatusAssigned, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query timed out candidates: %w", err)
	}
	defer rows.Close()

	now := q.clock.Now()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if t.StartedAt != nil && now.Sub(*t.StartedAt) > time.Duration(t.TimeoutSeconds)*time.Second {
			out = append(out, *t)
		}
	}
	return out, rows.Err()
}

// MarkTimeout transitions running->timed_out and publishes TASK_TIMED_OUT.
func (q *Queue) MarkTimeout(ctx context.Context, taskID string) error {
	_, err := q.UpdateStatus(ctx, taskID, StatusTimedOut, UpdateStatusParams{ErrorMessage: "task exceeded timeout_seconds"})
	return err
}

// IsRetryable reports whether msg matches any configured retryable substring.
func (q *Queue) IsRetryable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range q.cfg.RetryableSubstrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Get fetches a single task by id.
func (q *Queue) Get(ctx context.Context, taskID string) (*Task, error) {
	row := q.store.DB().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFound("task " + taskID)
	}
	return t, err
}

// ListByAgent returns tasks currently assigned/running against agentID,
// used by the restart orchestrator's drain step.
func (q *Queue) ListByAgent(ctx context.Context, agentID string) ([]Task, error) {
	rows, err := q.store.DB().QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assigned_agent_id = ? AND status IN (?, ?)`,
		agentID, StatusAssigned, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query tasks by agent: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CountRunning returns how many tasks are currently assigned/running against
// agentID, used by the registry's FindBestFit load tie-break.
func (q *Queue) CountRunning(ctx context.Context, agentID string) int {
	var n int
	_ = q.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE assigned_agent_id = ? AND status IN (?, ?)`,
		agentID, StatusAssigned, StatusRunning).Scan(&n)
	return n
}

// ReassignToPending puts a task back to pending (retry_count unchanged),
// used by the restart orchestrator's drain step (P9).
func (q *Queue) ReassignToPending(ctx context.Context, taskID string) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, assigned_agent_id = NULL, sandbox_id = NULL WHERE id = ?`,
			StatusPending, taskID); err != nil {
			return fmt.Errorf("reassign to pending: %w", err)
		}
		return q.bus.Publish(ctx, tx, eventbus.SystemEvent{
			EventType:  eventbus.EventTaskReassigned,
			EntityType: eventbus.EntityTask,
			EntityID:   taskID,
			Payload:    map[string]any{"task_id": taskID},
			OccurredAt: q.clock.Now(),
		})
	})
}
