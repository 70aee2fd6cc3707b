// Package runtime implements the Agent Runtime Adapter: the sole boundary
// between the control plane and whatever executes an agent (sandbox
// provider, LLM client, git host). Ships one concrete implementation, a
// local-OS-process runtime, generalized from the teacher's
// internal/agents/spawner.go process bookkeeping stripped of its
// WezTerm/terminal-grid placement logic, which has no equivalent in a
// headless service.
package runtime

import (
	"context"
	"time"
)

// MessageType tags an injected message's intent.
type MessageType string

const (
	MessageUser           MessageType = "user_message"
	MessageGuardianNudge  MessageType = "guardian_nudge"
	MessageInterrupt      MessageType = "interrupt"
	MessageSystem         MessageType = "system"
)

// Message is the sandbox message envelope, FIFO and consumed on read.
type Message struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

// ExecutionMode distinguishes how a spawned agent should run (e.g. which
// sandbox profile or local command template to use).
type ExecutionMode string

// AgentRuntime is the interface the core depends on; any sandbox substrate
// can implement it.
type AgentRuntime interface {
	Spawn(ctx context.Context, taskID, agentID, phase string, kind string, mode ExecutionMode, projectID string, extraEnv map[string]string) (sandboxID string, err error)
	Inject(ctx context.Context, sandboxID, message string, messageType MessageType) (queuedID string, err error)
	PollMessages(ctx context.Context, sandboxID string) ([]Message, error)
	PostEvent(ctx context.Context, sandboxID string, eventType string, payload map[string]any) error
	Terminate(ctx context.Context, sandboxID string, reason string) error
}
