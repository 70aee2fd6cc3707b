// Package eventbus implements the control plane's publish-subscribe
// contract: in-process fan-out for local subscribers plus a persistent
// outbox drained to a NATS broker, giving at-least-once delivery ordered
// per (entity_type, entity_id) even across process restarts.
//
// Generalized from the teacher's internal/events/bus.go (Subscribe/Publish/
// backpressure-retry) and internal/nats/client.go (broker transport).
package eventbus

import "time"

// EventType names, exactly the payload-bearing types of the external
// interface contract. The bus itself treats EventType as an opaque string;
// these constants exist only so publishers and subscribers agree on
// spelling.
type EventType string

const (
	EventAgentStatusChanged EventType = "AGENT_STATUS_CHANGED"
	EventHeartbeatReceived  EventType = "HEARTBEAT_RECEIVED"
	EventHeartbeatMissed    EventType = "HEARTBEAT_MISSED"
	EventAgentRestarted     EventType = "AGENT_RESTARTED"

	EventTaskAssigned           EventType = "TASK_ASSIGNED"
	EventTaskSandboxSpawned     EventType = "TASK_SANDBOX_SPAWNED"
	EventTaskCompleted          EventType = "TASK_COMPLETED"
	EventTaskFailed             EventType = "TASK_FAILED"
	EventTaskPermanentlyFailed  EventType = "TASK_PERMANENTLY_FAILED"
	EventTaskRetryScheduled     EventType = "TASK_RETRY_SCHEDULED"
	EventTaskTimedOut           EventType = "TASK_TIMED_OUT"
	EventTaskReassigned         EventType = "TASK_REASSIGNED"

	EventTaskValidationRequested EventType = "TASK_VALIDATION_REQUESTED"
	EventTaskValidationPassed    EventType = "TASK_VALIDATION_PASSED"
	EventTaskValidationFailed    EventType = "TASK_VALIDATION_FAILED"

	EventTicketBlocked          EventType = "TICKET_BLOCKED"
	EventApprovalTimedOut       EventType = "APPROVAL_TIMED_OUT"
	EventStuckWorkflowDetected  EventType = "STUCK_WORKFLOW_DETECTED"
	EventAnomalyDetected        EventType = "ANOMALY_DETECTED"

	EventGuardianIntervention   EventType = "guardian.steering.intervention"
	EventGuardianActionReverted EventType = "guardian.action.reverted"

	// Sandbox-origin events are opaque to the core; forwarded as-is.
	EventAgentAssistantMessage EventType = "agent.assistant_message"
	EventAgentToolUse          EventType = "agent.tool_use"
	EventAgentToolResult       EventType = "agent.tool_result"
	EventAgentFileEdited       EventType = "agent.file_edited"
	EventAgentError            EventType = "agent.error"
	EventAgentCompleted        EventType = "agent.completed"
	EventAgentMessageInjected  EventType = "agent.message_injected"
)

// EntityType names the kind of entity_id an event targets, used for the
// per-entity ordering guarantee.
type EntityType string

const (
	EntityAgent       EntityType = "agent"
	EntityTask        EntityType = "task"
	EntityTicket      EntityType = "ticket"
	EntityCoordPoint  EntityType = "coordination_point"
)

// SystemEvent is the bus's wire type. Payload carries the typed fields for
// EventType; Metadata is the free-form escape hatch for subscribers that
// need it, per the design note on dynamic payload dicts.
type SystemEvent struct {
	ID         string         `json:"id"`
	EventType  EventType      `json:"event_type"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
