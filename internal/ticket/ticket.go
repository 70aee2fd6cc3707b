// Package ticket implements the coarse unit of user intent that tasks hang
// off of. The core only needs id/project_id plus a handful of lifecycle
// queries for the approval-timeout and blocking-detector supervisor loops;
// everything else about a ticket's content is opaque to the core per the
// data model's note that tickets expose only id and project_id.
package ticket

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/stringutils"
)

// Status is the ticket's coarse lifecycle state.
type Status string

const (
	StatusOpen          Status = "open"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusBlocked       Status = "blocked"
	StatusCompleted     Status = "completed"
	StatusTimedOut      Status = "timed_out"
	StatusCancelled     Status = "cancelled"
)

// Ticket is the registry's entity.
type Ticket struct {
	ID             string
	ProjectID      string
	Title          string
	Description    string
	Priority       string
	Status         Status
	Phase          string
	ReviewDeadline *time.Time
	BlockerType    string
	BlockedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Registry is the sole writer of Ticket.status.
type Registry struct {
	store *store.Store
	bus   *eventbus.Bus
	clock clockid.Clock
}

func NewRegistry(st *store.Store, bus *eventbus.Bus, clock clockid.Clock) *Registry {
	return &Registry{store: st, bus: bus, clock: clock}
}

// CreateParams carries Create's arguments.
type CreateParams struct {
	ProjectID      string
	Title          string
	Description    string
	Priority       string
	Phase          string
	ReviewDeadline *time.Time
}

func (r *Registry) Create(ctx context.Context, p CreateParams) (*Ticket, error) {
	if stringutils.IsEmpty(p.ProjectID) {
		return nil, coreerr.Validation("project_id is required")
	}
	now := r.clock.Now()
	t := &Ticket{
		ID:             clockid.NewID(),
		ProjectID:      p.ProjectID,
		Title:          p.Title,
		Description:    p.Description,
		Priority:       p.Priority,
		Status:         StatusOpen,
		Phase:          p.Phase,
		ReviewDeadline: p.ReviewDeadline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := r.store.DB().ExecContext(ctx, `
		INSERT INTO tickets (id, project_id, title, description, priority, status, phase, review_deadline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Priority, t.Status, t.Phase, nullableTime(t.ReviewDeadline), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	return t, nil
}

// Get fetches a single ticket by id.
func (r *Registry) Get(ctx context.Context, ticketID string) (*Ticket, error) {
	row := r.store.DB().QueryRowContext(ctx, ticketSelect+" WHERE id = ?", ticketID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFound("ticket " + ticketID)
	}
	return t, err
}

// UpdateStatus transitions a ticket's status, publishing TICKET_BLOCKED or
// APPROVAL_TIMED_OUT as applicable. Unlike the agent/task state machines,
// ticket status has no enforced edge table: planners and supervisor loops
// are the sole callers and are trusted not to race each other on one ticket.
func (r *Registry) UpdateStatus(ctx context.Context, ticketID string, status Status, blockerType string) (*Ticket, error) {
	now := r.clock.Now()
	var result Ticket
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, ticketSelect+" WHERE id = ?", ticketID)
		t, err := scanTicket(row)
		if err == sql.ErrNoRows {
			return coreerr.NotFound("ticket " + ticketID)
		}
		if err != nil {
			return err
		}

		var blockedAt *time.Time
		if status == StatusBlocked {
			blockedAt = &now
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET status = ?, blocker_type = ?, blocked_at = ?, updated_at = ? WHERE id = ?`,
			status, blockerType, nullableTime(blockedAt), now, ticketID); err != nil {
			return fmt.Errorf("update ticket status: %w", err)
		}

		var evtType eventbus.EventType
		payload := map[string]any{"ticket_id": ticketID, "status": string(status)}
		switch status {
		case StatusBlocked:
			evtType = eventbus.EventTicketBlocked
			payload["blocker_type"] = blockerType
		case StatusTimedOut:
			evtType = eventbus.EventApprovalTimedOut
		}
		if evtType != "" {
			if err := r.bus.Publish(ctx, tx, eventbus.SystemEvent{
				EventType:  evtType,
				EntityType: eventbus.EntityTicket,
				EntityID:   ticketID,
				Payload:    payload,
				OccurredAt: now,
			}); err != nil {
				return err
			}
		}

		t.Status = status
		t.BlockerType = blockerType
		t.BlockedAt = blockedAt
		t.UpdatedAt = now
		result = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPendingReviewPastDeadline returns tickets in pending_review whose
// review_deadline has elapsed, for the approval-timeout supervisor loop.
func (r *Registry) ListPendingReviewPastDeadline(ctx context.Context, now time.Time) ([]Ticket, error) {
	rows, err := r.store.DB().QueryContext(ctx, ticketSelect+` WHERE status = ? AND review_deadline IS NOT NULL AND review_deadline < ?`,
		StatusPendingReview, now)
	if err != nil {
		return nil, fmt.Errorf("query overdue tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

// ListActive returns every ticket not yet in a terminal status, for the
// stuck-workflow and blocking-detector loops to inspect task progress on.
func (r *Registry) ListActive(ctx context.Context) ([]Ticket, error) {
	rows, err := r.store.DB().QueryContext(ctx, ticketSelect+` WHERE status NOT IN (?, ?, ?)`,
		StatusCompleted, StatusCancelled, StatusTimedOut)
	if err != nil {
		return nil, fmt.Errorf("query active tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

// LastTaskProgress returns the most recent created_at/started_at/completed_at
// across ticketID's tasks, the proxy for "task progress" the stuck-workflow
// and blocking-detector loops compare against their stuck/blocking
// thresholds.
func (r *Registry) LastTaskProgress(ctx context.Context, ticketID string) (time.Time, error) {
	var latest sql.NullTime
	err := r.store.DB().QueryRowContext(ctx, `
		SELECT MAX(ts) FROM (
			SELECT created_at AS ts FROM tasks WHERE ticket_id = ?
			UNION ALL SELECT started_at FROM tasks WHERE ticket_id = ? AND started_at IS NOT NULL
			UNION ALL SELECT completed_at FROM tasks WHERE ticket_id = ? AND completed_at IS NOT NULL
		)`, ticketID, ticketID, ticketID).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("query last task progress: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

const ticketSelect = `SELECT id, project_id, title, description, priority, status, phase, review_deadline, blocker_type, blocked_at, created_at, updated_at FROM tickets`

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(s scanner) (*Ticket, error) {
	var t Ticket
	var reviewDeadline, blockedAt sql.NullTime
	var blockerType sql.NullString
	if err := s.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.Phase,
		&reviewDeadline, &blockerType, &blockedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	if reviewDeadline.Valid {
		d := reviewDeadline.Time
		t.ReviewDeadline = &d
	}
	if blockedAt.Valid {
		b := blockedAt.Time
		t.BlockedAt = &b
	}
	t.BlockerType = blockerType.String
	return &t, nil
}

func scanTickets(rows *sql.Rows) ([]Ticket, error) {
	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
