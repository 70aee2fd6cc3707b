package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opsfleet/orchestrator/internal/config"
	"github.com/opsfleet/orchestrator/internal/corectx"
	"github.com/opsfleet/orchestrator/internal/task"
)

func newTestServer(t *testing.T) (*Server, *corectx.Core) {
	t.Helper()
	core, err := corectx.New(corectx.Config{YAML: config.Defaults(), DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return NewServer(core, ":0"), core
}

func TestHandleCreateTicketAndGetTask(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(createTicketRequest{ProjectID: "p1", Title: "do it", Phase: "build"})
	req := httptest.NewRequest(http.MethodPost, "/tickets", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create ticket: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var tk struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tk); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	if tk.ID == "" {
		t.Fatalf("expected non-empty ticket id, body=%s", w.Body.String())
	}

	taskBody, _ := json.Marshal(createTaskRequest{TicketID: tk.ID, Phase: "build"})
	req = httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(taskBody))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create task: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/tasks/"+created.ID, nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get task: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleGetTaskNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleRegisterAgentAndHeartbeat(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(registerAgentRequest{Kind: "worker", Phase: "build", Capacity: 1})
	req := httptest.NewRequest(http.MethodPost, "/agents/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("register agent: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var a struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode agent: %v", err)
	}

	hbBody, _ := json.Marshal(map[string]any{
		"agent_id":        a.ID,
		"timestamp":       time.Now().UTC(),
		"sequence_number": 1,
		"status":          "SPAWNING",
		"health_metrics":  map[string]float64{},
	})
	req = httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(hbBody))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCoordinationSplitJoinHappyPath(t *testing.T) {
	s, core := newTestServer(t)
	ctx := context.Background()

	sourceTask, err := core.Tasks.Enqueue(ctx, task.EnqueueParams{TicketID: "tk1", Phase: "build"})
	if err != nil {
		t.Fatalf("enqueue source task: %v", err)
	}

	splitBody, _ := json.Marshal(splitRequest{
		SourceTaskID: sourceTask.ID,
		Targets: []createTaskRequest{
			{TicketID: "tk1", Phase: "build"},
			{TicketID: "tk1", Phase: "build"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/coordination/split/split-1", bytes.NewReader(splitBody))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("split: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created []struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode split targets: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 split targets, got %d", len(created))
	}

	if _, err := core.Tasks.Assign(ctx, sourceTask.ID, "agent-1", false); err != nil {
		t.Fatalf("assign source: %v", err)
	}
	if _, err := core.Tasks.UpdateStatus(ctx, sourceTask.ID, task.StatusRunning, task.UpdateStatusParams{}); err != nil {
		t.Fatalf("run source: %v", err)
	}
	if _, err := core.Tasks.UpdateStatus(ctx, sourceTask.ID, task.StatusCompleted, task.UpdateStatusParams{Result: map[string]any{"ok": true}}); err != nil {
		t.Fatalf("complete source: %v", err)
	}
	for _, c := range created {
		if _, err := core.Tasks.Assign(ctx, c.ID, "agent-1", false); err != nil {
			t.Fatalf("assign %s: %v", c.ID, err)
		}
		if _, err := core.Tasks.UpdateStatus(ctx, c.ID, task.StatusRunning, task.UpdateStatusParams{}); err != nil {
			t.Fatalf("run %s: %v", c.ID, err)
		}
		if _, err := core.Tasks.UpdateStatus(ctx, c.ID, task.StatusCompleted, task.UpdateStatusParams{Result: map[string]any{"ok": true}}); err != nil {
			t.Fatalf("complete %s: %v", c.ID, err)
		}
	}

	joinBody, _ := json.Marshal(joinRequest{
		SourceTaskIDs: []string{created[0].ID, created[1].ID},
		Continuation:  createTaskRequest{TicketID: "tk1", Phase: "build"},
	})
	req = httptest.NewRequest(http.MethodPost, "/coordination/join/join-1", bytes.NewReader(joinBody))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var continuation struct {
		ID           string   `json:"ID"`
		Dependencies []string `json:"Dependencies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &continuation); err != nil {
		t.Fatalf("decode continuation: %v", err)
	}
	if len(continuation.Dependencies) != 2 {
		t.Fatalf("expected continuation to depend on both split targets, got %v", continuation.Dependencies)
	}

	syncBody, _ := json.Marshal(syncRequest{WaitingTaskIDs: []string{created[0].ID, created[1].ID}, RequiredCount: 2})
	req = httptest.NewRequest(http.MethodPost, "/coordination/sync/sync-1", bytes.NewReader(syncBody))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("sync: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var syncResp syncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &syncResp); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if !syncResp.Ready {
		t.Fatal("expected sync point to be ready once both targets completed")
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return within 3s of cancellation")
	}
}
