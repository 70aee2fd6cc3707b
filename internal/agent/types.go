// Package agent implements the Agent Registry & Status Manager: agent
// creation, the status state machine, the audit log of transitions, and
// best-fit agent matching for the dispatcher.
package agent

import "time"

// Kind tags the agent's role, replacing the polymorphism the source gets
// from class inheritance with a flat tagged variant plus a per-kind
// AgentTemplate of defaults.
type Kind string

const (
	KindWorker     Kind = "worker"
	KindMonitor    Kind = "monitor"
	KindWatchdog   Kind = "watchdog"
	KindGuardian   Kind = "guardian"
	KindValidator  Kind = "validator"
	KindDiagnostic Kind = "diagnostic"
)

// Status is the agent lifecycle state.
type Status string

const (
	StatusSpawning    Status = "SPAWNING"
	StatusIdle        Status = "IDLE"
	StatusRunning     Status = "RUNNING"
	StatusDegraded    Status = "DEGRADED"
	StatusFailed      Status = "FAILED"
	StatusQuarantined Status = "QUARANTINED"
	StatusTerminated  Status = "TERMINATED"
)

// HealthLabel is the free-form health reading distinct from Status.
type HealthLabel string

const (
	HealthHealthy      HealthLabel = "healthy"
	HealthDegraded     HealthLabel = "degraded"
	HealthStale        HealthLabel = "stale"
	HealthUnresponsive HealthLabel = "unresponsive"
	HealthQuarantined  HealthLabel = "quarantined"
)

// IsActive reports whether status is eligible for new task assignment.
func (s Status) IsActive() bool {
	return s == StatusIdle || s == StatusRunning
}

// IsOperational reports whether status counts as alive in any sense.
func (s Status) IsOperational() bool {
	return s == StatusIdle || s == StatusRunning || s == StatusDegraded
}

// Agent is the registry's entity.
type Agent struct {
	ID                   string
	Kind                 Kind
	Phase                string
	Capabilities         []string
	Capacity             int
	Status               Status
	HealthLabel          HealthLabel
	LastHeartbeat        *time.Time
	ExpectedNextSequence int64
	CurrentSequence      int64
	ConsecutiveMissed    int
	LifetimeAssignments  int
	Tags                 map[string]string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Transition is the immutable audit record written by every status change.
type Transition struct {
	ID            string
	AgentID       string
	From          Status
	To            Status
	Reason        string
	TriggeredBy   string
	TaskID        *string
	Metadata      map[string]any
	TransitionedAt time.Time
}

// Template carries per-kind defaults, per the design note on agent kinds:
// dispatch on the tag, no deep inheritance.
type Template struct {
	Kind         Kind
	Capabilities []string
	TTL          time.Duration
	Capacity     int
}

// DefaultTemplates are the built-in per-kind defaults; config may override.
var DefaultTemplates = map[Kind]Template{
	KindWorker:     {Kind: KindWorker, TTL: 15 * time.Second, Capacity: 1},
	KindMonitor:    {Kind: KindMonitor, TTL: 15 * time.Second, Capacity: 1},
	KindWatchdog:   {Kind: KindWatchdog, TTL: 15 * time.Second, Capacity: 1},
	KindGuardian:   {Kind: KindGuardian, TTL: 60 * time.Second, Capacity: 1},
	KindValidator:  {Kind: KindValidator, TTL: 15 * time.Second, Capacity: 1},
	KindDiagnostic: {Kind: KindDiagnostic, TTL: 15 * time.Second, Capacity: 1},
}

// AuthorityLevel gates who may initiate privileged actions.
type AuthorityLevel string

const (
	AuthorityWorker   AuthorityLevel = "WORKER"
	AuthorityWatchdog AuthorityLevel = "WATCHDOG"
	AuthorityMonitor  AuthorityLevel = "MONITOR"
	AuthorityGuardian AuthorityLevel = "GUARDIAN"
)

var authorityRank = map[AuthorityLevel]int{
	AuthorityWorker:   0,
	AuthorityWatchdog: 1,
	AuthorityMonitor:  2,
	AuthorityGuardian: 3,
}

// AtLeast reports whether a is at least as privileged as min.
func (a AuthorityLevel) AtLeast(min AuthorityLevel) bool {
	return authorityRank[a] >= authorityRank[min]
}

// Match is a ranked candidate returned by FindBestFit/Search.
type Match struct {
	Agent Agent
	Score float64
}
