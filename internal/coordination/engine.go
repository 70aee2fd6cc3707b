// Package coordination implements the coordination-point machinery
// (sync/split/join/merge) over the task DAG, grounded on
// original_source/backend/omoi_os/services/conductor.py's control-flow
// hooks and generalized to the task package's Task type.
package coordination

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/task"
)

// Kind tags a coordination point's variant.
type Kind string

const (
	KindSync  Kind = "sync"
	KindSplit Kind = "split"
	KindJoin  Kind = "join"
	KindMerge Kind = "merge"
)

// MergeStrategy selects how MergeResults combines source result maps.
type MergeStrategy string

const (
	MergeCombine      MergeStrategy = "combine"
	MergeIntersection MergeStrategy = "intersection"
	MergeMajority     MergeStrategy = "majority"
)

// Point is the persisted coordination_points row, kept for observability.
type Point struct {
	ID                 string
	Kind               Kind
	OperandTaskIDs     []string
	Policy             map[string]any
	ContinuationTaskID *string
}

// Engine operates purely on Task rows by editing dependencies and creating
// new tasks; it holds no state of its own beyond the coordination_points
// observability log.
type Engine struct {
	store *store.Store
	queue *task.Queue
	clock clockid.Clock
}

func NewEngine(st *store.Store, q *task.Queue, clock clockid.Clock) *Engine {
	return &Engine{store: st, queue: q, clock: clock}
}

// Sync returns ready iff at least requiredCount of waiting tasks are
// completed. Stateless check; a record is persisted for observability.
func (e *Engine) Sync(ctx context.Context, syncID string, waiting []string, requiredCount int) (bool, error) {
	completed := 0
	for _, id := range waiting {
		t, err := e.queue.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if t.Status == task.StatusCompleted {
			completed++
		}
	}
	ready := completed >= requiredCount

	err := e.persistPoint(ctx, Point{
		ID:             syncID,
		Kind:           KindSync,
		OperandTaskIDs: waiting,
		Policy:         map[string]any{"required_count": requiredCount},
	})
	if err != nil {
		return false, err
	}
	return ready, nil
}

// Split creates one task per target, each depending on sourceTaskID.
func (e *Engine) Split(ctx context.Context, splitID, sourceTaskID string, targets []task.EnqueueParams) ([]*task.Task, error) {
	var created []*task.Task
	var ids []string
	for _, spec := range targets {
		spec.Dependencies = append(append([]string{}, spec.Dependencies...), sourceTaskID)
		t, err := e.queue.Enqueue(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("split target enqueue: %w", err)
		}
		created = append(created, t)
		ids = append(ids, t.ID)
	}

	if err := e.persistPoint(ctx, Point{
		ID:             splitID,
		Kind:           KindSplit,
		OperandTaskIDs: append([]string{sourceTaskID}, ids...),
		Policy:         map[string]any{},
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// Join creates the continuation task with dependencies = sources.
func (e *Engine) Join(ctx context.Context, joinID string, sources []string, continuationSpec task.EnqueueParams) (*task.Task, error) {
	continuationSpec.Dependencies = append(append([]string{}, continuationSpec.Dependencies...), sources...)
	t, err := e.queue.Enqueue(ctx, continuationSpec)
	if err != nil {
		return nil, fmt.Errorf("join continuation enqueue: %w", err)
	}

	id := t.ID
	if err := e.persistPoint(ctx, Point{
		ID:                 joinID,
		Kind:               KindJoin,
		OperandTaskIDs:     sources,
		Policy:             map[string]any{},
		ContinuationTaskID: &id,
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// MergeResults requires every source completed, then produces a merged
// result map per strategy. The merge itself is a pure function, easy to
// unit-test without touching the store.
func (e *Engine) MergeResults(ctx context.Context, mergeID string, sources []string, strategy MergeStrategy) (map[string]any, error) {
	var resultMaps []map[string]any
	for _, id := range sources {
		t, err := e.queue.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status != task.StatusCompleted {
			return nil, coreerr.New(coreerr.KindValidation, coreerr.ErrMergeSourceIncomplete, id)
		}
		resultMaps = append(resultMaps, t.Result)
	}

	merged, err := Merge(resultMaps, strategy)
	if err != nil {
		return nil, err
	}

	if err := e.persistPoint(ctx, Point{
		ID:             mergeID,
		Kind:           KindMerge,
		OperandTaskIDs: sources,
		Policy:         map[string]any{"strategy": string(strategy)},
	}); err != nil {
		return nil, err
	}
	return merged, nil
}

func (e *Engine) persistPoint(ctx context.Context, p Point) error {
	operandJSON, err := json.Marshal(p.OperandTaskIDs)
	if err != nil {
		return fmt.Errorf("marshal operand task ids: %w", err)
	}
	policyJSON, err := json.Marshal(p.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var contID any
		if p.ContinuationTaskID != nil {
			contID = *p.ContinuationTaskID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO coordination_points (id, kind, operand_task_ids, policy, continuation_task_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET operand_task_ids = excluded.operand_task_ids, policy = excluded.policy`,
			p.ID, p.Kind, string(operandJSON), string(policyJSON), contID, e.clock.Now())
		if err != nil {
			return fmt.Errorf("persist coordination point: %w", err)
		}
		return nil
	})
}
