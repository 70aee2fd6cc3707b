package runtime

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"sync"

	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/eventbus"
)

var logger = log.New(log.Writer(), "[RUNTIME] ", log.LstdFlags)

// sandboxProc tracks one spawned local process and its inbound message
// queue, generalized from the teacher's runningAgents bookkeeping map.
type sandboxProc struct {
	cmd     *exec.Cmd
	agentID string
	taskID  string
	inbox   chan Message
}

// LocalProcessRuntime spawns agents as local OS processes. CommandTemplate
// builds the argv for a given kind/phase; callers supply one that knows how
// to invoke their actual agent binary (LLM client, git host, etc. are
// external collaborators per spec, not this package's concern).
type LocalProcessRuntime struct {
	bus             *eventbus.Bus
	clock           clockid.Clock
	commandTemplate func(taskID, agentID, phase, kind string, mode ExecutionMode, projectID string, extraEnv map[string]string) (name string, args []string)

	mu        sync.Mutex
	processes map[string]*sandboxProc
}

func NewLocalProcessRuntime(bus *eventbus.Bus, clock clockid.Clock, commandTemplate func(taskID, agentID, phase, kind string, mode ExecutionMode, projectID string, extraEnv map[string]string) (string, []string)) *LocalProcessRuntime {
	return &LocalProcessRuntime{
		bus:             bus,
		clock:           clock,
		commandTemplate: commandTemplate,
		processes:       make(map[string]*sandboxProc),
	}
}

func (rt *LocalProcessRuntime) Spawn(ctx context.Context, taskID, agentID, phase, kind string, mode ExecutionMode, projectID string, extraEnv map[string]string) (string, error) {
	sandboxID := clockid.NewID()
	name, args := rt.commandTemplate(taskID, agentID, phase, kind, mode, projectID, extraEnv)

	cmd := exec.CommandContext(context.Background(), name, args...)
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn agent process: %w", err)
	}

	proc := &sandboxProc{cmd: cmd, agentID: agentID, taskID: taskID, inbox: make(chan Message, 64)}

	rt.mu.Lock()
	rt.processes[sandboxID] = proc
	rt.mu.Unlock()

	go rt.reap(sandboxID, proc)

	return sandboxID, nil
}

func (rt *LocalProcessRuntime) reap(sandboxID string, proc *sandboxProc) {
	err := proc.cmd.Wait()
	if err != nil {
		logger.Printf("sandbox %s exited with error: %v", sandboxID, err)
	}
	_ = rt.PostEvent(context.Background(), sandboxID, string(eventbus.EventAgentCompleted), map[string]any{"sandbox_id": sandboxID})
}

func (rt *LocalProcessRuntime) Inject(ctx context.Context, sandboxID, message string, messageType MessageType) (string, error) {
	rt.mu.Lock()
	proc, ok := rt.processes[sandboxID]
	rt.mu.Unlock()
	if !ok {
		return "", coreerr.NotFound("sandbox " + sandboxID)
	}

	msg := Message{ID: clockid.NewID(), Content: message, MessageType: messageType, EnqueuedAt: rt.clock.Now()}
	select {
	case proc.inbox <- msg:
	default:
		return "", fmt.Errorf("sandbox %s inbox full", sandboxID)
	}
	return msg.ID, nil
}

// PollMessages drains every message currently queued; FIFO, consumed on read.
func (rt *LocalProcessRuntime) PollMessages(ctx context.Context, sandboxID string) ([]Message, error) {
	rt.mu.Lock()
	proc, ok := rt.processes[sandboxID]
	rt.mu.Unlock()
	if !ok {
		return nil, coreerr.NotFound("sandbox " + sandboxID)
	}

	var out []Message
	for {
		select {
		case m := <-proc.inbox:
			out = append(out, m)
		default:
			return out, nil
		}
	}
}

// PostEvent forwards a sandbox-origin event to the core's event bus as-is.
func (rt *LocalProcessRuntime) PostEvent(ctx context.Context, sandboxID string, eventType string, payload map[string]any) error {
	rt.mu.Lock()
	proc, ok := rt.processes[sandboxID]
	rt.mu.Unlock()
	entityID := sandboxID
	if ok {
		entityID = proc.agentID
	}
	return rt.bus.PublishDirect(ctx, eventbus.SystemEvent{
		EventType:  eventbus.EventType(eventType),
		EntityType: eventbus.EntityAgent,
		EntityID:   entityID,
		Payload:    payload,
		OccurredAt: rt.clock.Now(),
	})
}

func (rt *LocalProcessRuntime) Terminate(ctx context.Context, sandboxID string, reason string) error {
	rt.mu.Lock()
	proc, ok := rt.processes[sandboxID]
	delete(rt.processes, sandboxID)
	rt.mu.Unlock()
	if !ok {
		return coreerr.NotFound("sandbox " + sandboxID)
	}
	if proc.cmd.Process != nil {
		if err := proc.cmd.Process.Kill(); err != nil {
			logger.Printf("terminate sandbox %s: %v", sandboxID, err)
		}
	}
	return nil
}
