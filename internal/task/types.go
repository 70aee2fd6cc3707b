// Package task implements the Task Queue: persistence, atomic next-task
// selection honoring priority/dependencies/retry/timeout, and the DAG
// invariants over task dependencies.
package task

import "time"

// Priority is ordered CRITICAL > HIGH > MEDIUM > LOW.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityMedium:   1,
	PriorityLow:      0,
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAssigned          Status = "assigned"
	StatusRunning           Status = "running"
	StatusNeedsValidation   Status = "needs_validation"
	StatusPendingValidation Status = "pending_validation"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusNeedsRevision     Status = "needs_revision"
	StatusCancelled         Status = "cancelled"
	StatusTimedOut          Status = "timed_out"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Task is the queue's entity.
type Task struct {
	ID                 string
	TicketID           string
	Phase              string
	TaskType           string
	Description        string
	Priority           Priority
	Status             Status
	AssignedAgentID    *string
	SandboxID          *string
	RequiredCaps       []string
	Dependencies       []string
	RetryCount         int
	MaxRetries         int
	BackoffBaseSeconds float64
	TimeoutSeconds     int
	ErrorMessage       string
	Result             map[string]any
	ExecutionConfig    map[string]any
	ConversationID     *string
	PersistenceDir     *string
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// Ready reports whether the task can move out of pending: it is pending and
// completed (the set of task ids observed completed) contains every id in
// t.Dependencies.
func (t Task) Ready(completed map[string]bool) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, d := range t.Dependencies {
		if !completed[d] {
			return false
		}
	}
	return true
}

// DefaultRetryableSubstrings is the configurable set IsRetryable checks.
var DefaultRetryableSubstrings = []string{"timeout", "connection", "rate limit", "unavailable", "temporary"}
