package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opsfleet/orchestrator/internal/coordination"
	"github.com/opsfleet/orchestrator/internal/task"
)

// syncRequest/syncResponse, splitRequest, joinRequest, and mergeRequest are
// thin transport wrappers over the coordination engine's operations; the
// adapter does no DAG reasoning itself, per the coordination package's own
// "operates purely on Task rows" contract.
type syncRequest struct {
	WaitingTaskIDs []string `json:"waiting_task_ids"`
	RequiredCount  int      `json:"required_count"`
}

type syncResponse struct {
	Ready bool `json:"ready"`
}

func (s *Server) handleCoordinationSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	id := mux.Vars(r)["id"]
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ready, err := s.core.Coordinator.Sync(r.Context(), id, req.WaitingTaskIDs, req.RequiredCount)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, syncResponse{Ready: ready})
}

type splitRequest struct {
	SourceTaskID string              `json:"source_task_id"`
	Targets      []createTaskRequest `json:"targets"`
}

func (s *Server) handleCoordinationSplit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	id := mux.Vars(r)["id"]
	var req splitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourceTaskID == "" {
		http.Error(w, "source_task_id is required", http.StatusBadRequest)
		return
	}

	targets := make([]task.EnqueueParams, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = taskParamsFrom(t)
	}

	created, err := s.core.Coordinator.Split(r.Context(), id, req.SourceTaskID, targets)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

type joinRequest struct {
	SourceTaskIDs []string          `json:"source_task_ids"`
	Continuation  createTaskRequest `json:"continuation"`
}

func (s *Server) handleCoordinationJoin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	id := mux.Vars(r)["id"]
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.SourceTaskIDs) == 0 {
		http.Error(w, "source_task_ids is required", http.StatusBadRequest)
		return
	}

	t, err := s.core.Coordinator.Join(r.Context(), id, req.SourceTaskIDs, taskParamsFrom(req.Continuation))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

type mergeRequest struct {
	SourceTaskIDs []string                   `json:"source_task_ids"`
	Strategy      coordination.MergeStrategy `json:"strategy"`
}

func (s *Server) handleCoordinationMerge(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	id := mux.Vars(r)["id"]
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	merged, err := s.core.Coordinator.MergeResults(r.Context(), id, req.SourceTaskIDs, req.Strategy)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, merged)
}
