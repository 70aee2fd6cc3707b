// Package api implements the thin HTTP/WS adapter of §6's external
// interfaces: it decodes requests, calls straight into corectx.Core's
// components, and encodes the result. No business logic lives here.
// Grounded on the teacher's internal/server/server.go route table and
// internal/handlers/tasks.go request-size-limited, gorilla/mux-routed
// handler shape.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/corectx"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/heartbeat"
)

var logger = log.New(log.Writer(), "[API] ", log.LstdFlags)

// maxPayloadSize bounds request bodies, matching the teacher's
// limitRequestSize DoS guard.
const maxPayloadSize = 1 << 20 // 1MiB

// Server is the HTTP/WS adapter over a corectx.Core.
type Server struct {
	core       *corectx.Core
	router     *mux.Router
	hub        *hub
	httpServer *http.Server
	sub        *eventbus.Subscription
}

// NewServer builds the route table and subscribes the WS hub to every bus
// event; it does not start listening until Run is called.
func NewServer(core *corectx.Core, addr string) *Server {
	s := &Server{
		core:   core,
		router: mux.NewRouter(),
		hub:    newHub(),
	}
	s.sub = core.Bus.Subscribe("", nil)
	s.setupRoutes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router.PathPrefix("/").Subrouter()

	r.HandleFunc("/tickets", s.handleCreateTicket).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/agents/register", s.handleRegisterAgent).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/steer", s.handleSteerAgent).Methods(http.MethodPost)
	r.HandleFunc("/guardian-actions/{id}/revert", s.handleRevertGuardianAction).Methods(http.MethodPost)
	r.HandleFunc("/coordination/sync/{id}", s.handleCoordinationSync).Methods(http.MethodPost)
	r.HandleFunc("/coordination/split/{id}", s.handleCoordinationSplit).Methods(http.MethodPost)
	r.HandleFunc("/coordination/join/{id}", s.handleCoordinationJoin).Methods(http.MethodPost)
	r.HandleFunc("/coordination/merge/{id}", s.handleCoordinationMerge).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/events/stream", s.handleEventStream)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Run starts the event-fan-out goroutine, the hub, and serves HTTP until
// ctx is cancelled, then shuts the HTTP server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run()
	go s.pumpEvents(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.sub.Ch:
			if !ok {
				return
			}
			s.hub.broadcastEvent(evt)
		}
	}
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, webSocketBufferSize)}
	s.hub.register <- c
	go c.readPump()
	go c.writePump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTicketRequest struct {
	ProjectID      string     `json:"project_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Priority       string     `json:"priority"`
	Phase          string     `json:"phase"`
	ReviewDeadline *time.Time `json:"review_deadline,omitempty"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}

	tk, err := s.core.Tickets.Create(r.Context(), ticketParamsFrom(req))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tk)
}

type createTaskRequest struct {
	TicketID        string         `json:"ticket_id"`
	Phase           string         `json:"phase"`
	TaskType        string         `json:"task_type"`
	Priority        string         `json:"priority"`
	Description     string         `json:"description"`
	RequiredCaps    []string       `json:"required_capabilities"`
	Dependencies    []string       `json:"dependencies"`
	MaxRetries      int            `json:"max_retries"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	ExecutionConfig map[string]any `json:"execution_config"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TicketID == "" || req.Phase == "" {
		http.Error(w, "ticket_id and phase are required", http.StatusBadRequest)
		return
	}

	t, err := s.core.Tasks.Enqueue(r.Context(), taskParamsFrom(req))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.core.Tasks.Get(r.Context(), id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

type registerAgentRequest struct {
	Kind         string            `json:"kind"`
	Phase        string            `json:"phase"`
	Capabilities []string          `json:"capabilities"`
	Capacity     int               `json:"capacity"`
	Tags         map[string]string `json:"tags"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" || req.Phase == "" {
		http.Error(w, "kind and phase are required", http.StatusBadRequest)
		return
	}
	capacity := req.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	a, err := s.core.Agents.Register(r.Context(), agent.Kind(req.Kind), req.Phase, req.Capabilities, capacity, req.Tags)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var msg heartbeat.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	ack, err := s.core.Heartbeat.Receive(r.Context(), msg)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

type steerAgentRequest struct {
	Message     string `json:"message"`
	InitiatedBy string `json:"initiated_by"`
	Authority   string `json:"authority"`
}

func (s *Server) handleSteerAgent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	id := mux.Vars(r)["id"]
	var req steerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	authority := agent.AuthorityLevel(req.Authority)
	if authority == "" {
		authority = agent.AuthorityWatchdog
	}

	record, err := s.core.Router.Steer(r.Context(), id, req.Message, req.InitiatedBy, authority)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

type revertGuardianActionRequest struct {
	InitiatedBy string `json:"initiated_by"`
	Authority   string `json:"authority"`
}

func (s *Server) handleRevertGuardianAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	id := mux.Vars(r)["id"]
	var req revertGuardianActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	authority := agent.AuthorityLevel(req.Authority)
	if authority == "" {
		authority = agent.AuthorityGuardian
	}

	record, err := s.core.Router.RevertAction(r.Context(), id, req.InitiatedBy, authority)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf("encode response: %v", err)
	}
}
