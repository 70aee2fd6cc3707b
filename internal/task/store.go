package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opsfleet/orchestrator/internal/coreerr"
)

const taskColumns = `id, ticket_id, phase, task_type, description, priority, status,
	assigned_agent_id, sandbox_id, required_caps, dependencies, retry_count, max_retries,
	backoff_base_seconds, timeout_seconds, error_message, result, execution_config,
	conversation_id, persistence_dir, created_at, started_at, completed_at`

func insertTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	caps, err := json.Marshal(t.RequiredCaps)
	if err != nil {
		return fmt.Errorf("marshal required_caps: %w", err)
	}
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	execCfg, err := json.Marshal(t.ExecutionConfig)
	if err != nil {
		return fmt.Errorf("marshal execution_config: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, ticket_id, phase, task_type, description, priority, status,
			required_caps, dependencies, retry_count, max_retries, backoff_base_seconds,
			timeout_seconds, execution_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		t.ID, t.TicketID, t.Phase, t.TaskType, t.Description, t.Priority, t.Status,
		string(caps), string(deps), t.MaxRetries, t.BackoffBaseSeconds, t.TimeoutSeconds,
		string(execCfg), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func getTaskForUpdate(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFound("task " + taskID)
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (*Task, error) {
	var t Task
	var capsJSON, depsJSON, execCfgJSON string
	var assignedAgent, sandboxID, errorMessage, resultJSON, conversationID, persistenceDir sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := s.Scan(&t.ID, &t.TicketID, &t.Phase, &t.TaskType, &t.Description, &t.Priority, &t.Status,
		&assignedAgent, &sandboxID, &capsJSON, &depsJSON, &t.RetryCount, &t.MaxRetries,
		&t.BackoffBaseSeconds, &t.TimeoutSeconds, &errorMessage, &resultJSON, &execCfgJSON,
		&conversationID, &persistenceDir, &t.CreatedAt, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if assignedAgent.Valid {
		v := assignedAgent.String
		t.AssignedAgentID = &v
	}
	if sandboxID.Valid {
		v := sandboxID.String
		t.SandboxID = &v
	}
	if errorMessage.Valid {
		t.ErrorMessage = errorMessage.String
	}
	if conversationID.Valid {
		v := conversationID.String
		t.ConversationID = &v
	}
	if persistenceDir.Valid {
		v := persistenceDir.String
		t.PersistenceDir = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(capsJSON), &t.RequiredCaps); err != nil {
		return nil, fmt.Errorf("unmarshal required_caps: %w", err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(execCfgJSON), &t.ExecutionConfig); err != nil {
		return nil, fmt.Errorf("unmarshal execution_config: %w", err)
	}
	return &t, nil
}
