// Package corectx assembles the control plane's components into one
// immutable handle, constructed once at startup and threaded through the
// API adapter and every background loop. Grounded on the teacher's
// cmd/wezterm-control/main.go wiring style, generalized from a single
// flat main() into a reusable constructor the API layer and tests can both
// call.
package corectx

import (
	"context"
	"fmt"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/config"
	"github.com/opsfleet/orchestrator/internal/coordination"
	"github.com/opsfleet/orchestrator/internal/dispatcher"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/heartbeat"
	"github.com/opsfleet/orchestrator/internal/intervention"
	"github.com/opsfleet/orchestrator/internal/restart"
	"github.com/opsfleet/orchestrator/internal/runtime"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/supervisor"
	"github.com/opsfleet/orchestrator/internal/task"
	"github.com/opsfleet/orchestrator/internal/ticket"
)

// Core bundles every component operations are built from. All fields are
// safe for concurrent use; Core itself is never mutated after New returns.
type Core struct {
	Config Config

	Store   *store.Store
	Bus     *eventbus.Bus
	Clock   clockid.Clock
	Runtime runtime.AgentRuntime

	Agents      *agent.Registry
	Tasks       *task.Queue
	Tickets     *ticket.Registry
	Heartbeat   *heartbeat.Protocol
	Restart     *restart.Orchestrator
	Coordinator *coordination.Engine
	Router      *intervention.Router

	Dispatcher *dispatcher.Loop
	Supervisor *supervisor.Supervisor
}

// Config is the subset of config.Config plus the non-YAML knobs New needs.
type Config struct {
	YAML       config.Config
	DBPath     string
	CommandTpl func(taskID, agentID, phase, kind string, mode runtime.ExecutionMode, projectID string, extraEnv map[string]string) (string, []string)
}

// New wires a fully-functional Core: opens the store, builds the bus and
// every domain registry, and constructs (but does not start) the
// dispatcher loop and supervisor loops.
func New(cfg Config) (*Core, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clock := clockid.RealClock{}
	bus := eventbus.New(st, clock)

	agents := agent.NewRegistry(st, bus, clock)
	tasks := task.NewQueue(st, bus, clock, cfg.YAML.RetryConfig())
	tickets := ticket.NewRegistry(st, bus, clock)
	coordinator := coordination.NewEngine(st, tasks, clock)

	restartOrch := restart.NewOrchestrator(st, bus, agents, tasks, clock, cfg.YAML.RestartConfig())
	hb := heartbeat.NewProtocol(st, bus, agents, clock, cfg.YAML.HeartbeatConfig(), restartOrch)

	tpl := cfg.CommandTpl
	if tpl == nil {
		tpl = defaultCommandTemplate
	}
	rt := runtime.NewLocalProcessRuntime(bus, clock, tpl)

	conversations := intervention.NewConversations()
	router := intervention.NewRouter(st, bus, agents, tasks, rt, conversations, clock)

	dispatchLoop := dispatcher.NewLoop(agents, tasks, bus, rt, clock, cfg.YAML.DispatcherConfig())
	sup := supervisor.New(st, agents, tasks, tickets, hb, rt, clock, cfg.YAML.SupervisorConfig())

	return &Core{
		Config:      cfg.YAML,
		Store:       st,
		Bus:         bus,
		Clock:       clock,
		Runtime:     rt,
		Agents:      agents,
		Tasks:       tasks,
		Tickets:     tickets,
		Heartbeat:   hb,
		Restart:     restartOrch,
		Coordinator: coordinator,
		Router:      router,
		Dispatcher:  dispatchLoop,
		Supervisor:  sup,
	}, nil
}

// defaultCommandTemplate shells out to an agent-runner binary on PATH,
// resolved by kind; real deployments supply their own via Config.CommandTpl.
func defaultCommandTemplate(taskID, agentID, phase, kind string, mode runtime.ExecutionMode, projectID string, extraEnv map[string]string) (string, []string) {
	return "agent-runner", []string{
		"--task", taskID,
		"--agent", agentID,
		"--phase", phase,
		"--kind", kind,
	}
}

// Run starts the dispatcher loop and all supervisor loops and blocks until
// ctx is cancelled and every loop has exited its current iteration.
func (c *Core) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.Dispatcher.Run(ctx)
		close(done)
	}()
	c.Supervisor.Run(ctx)
	<-done
}

// Close releases the store handle. Callers should cancel the Run context
// and let it return before calling Close.
func (c *Core) Close() error {
	return c.Store.Close()
}
