package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/daloraclehub/dalcore/internal/config"
	"github.com/daloraclehub/dalcore/internal/configstore"
	"github.com/daloraclehub/dalcore/internal/eventbus"
	"github.com/daloraclehub/dalcore/internal/store"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	tmpDB := t.TempDir() + "/test.db"
	st, err := store.Open(tmpDB)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(16)
	configs := configstore.New(st, bus)
	if _, err := configs.Create("test-proj", map[string]any{"name": "Test Project"}, ""); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		API: config.API{Bind: "127.0.0.1:0"},
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv, err := NewServer(cfg, st, configs, bus, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestHandleStatus(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if _, ok := resp["uptime_s"]; !ok {
		t.Fatal("missing uptime_s")
	}
	if resp["project_count"] != float64(1) {
		t.Fatalf("expected project_count 1, got %v", resp["project_count"])
	}
}

func TestHandleProjects(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	w := httptest.NewRecorder()
	srv.handleProjects(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp []configstore.Configuration
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp) != 1 {
		t.Fatalf("expected 1 project, got %d", len(resp))
	}
	if resp[0].ProjectID != "test-proj" {
		t.Fatalf("expected test-proj, got %v", resp[0].ProjectID)
	}
}

func TestHandleProjectDetail(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/projects/test-proj", nil)
	w := httptest.NewRecorder()
	srv.handleProjectDetail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp projectDetail
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Configuration.ProjectID != "test-proj" {
		t.Fatalf("expected test-proj, got %s", resp.Configuration.ProjectID)
	}
	if resp.LatestRound != 0 {
		t.Fatalf("expected latestRound 0 for a project with no iteration history, got %d", resp.LatestRound)
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/nonexistent", nil)
	w = httptest.NewRecorder()
	srv.handleProjectDetail(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleProjectDetailIncludesIterationState(t *testing.T) {
	srv := setupTestServer(t)

	if err := srv.store.UpsertIterationCheckpoint("test-proj", 1, "training", "iteration-test-proj", `{}`); err != nil {
		t.Fatal(err)
	}
	recordID, err := srv.store.InsertExportRecord("test-proj", 1, "ml-service:test-proj:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.store.CompleteExportRecord(recordID, "deadbeef", `[]`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/projects/test-proj", nil)
	w := httptest.NewRecorder()
	srv.handleProjectDetail(w, req)

	var resp projectDetail
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.LatestRound != 1 {
		t.Fatalf("expected latestRound 1, got %d", resp.LatestRound)
	}
	if resp.Checkpoint == nil || resp.Checkpoint.Phase != "training" {
		t.Fatalf("expected training checkpoint, got %+v", resp.Checkpoint)
	}
	if resp.ExportRecord == nil || resp.ExportRecord.Checksum != "deadbeef" {
		t.Fatalf("expected export record with checksum, got %+v", resp.ExportRecord)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["healthy"] != true {
		t.Fatal("expected healthy=true")
	}
}

func TestHandleEvents(t *testing.T) {
	srv := setupTestServer(t)

	if err := srv.store.AppendEventLog(string(eventbus.TopicIterationState), "test-proj", `{"phase":"training"}`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/events?topic="+string(eventbus.TopicIterationState), nil)
	w := httptest.NewRecorder()
	srv.handleEvents(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	events, ok := resp["events"].([]any)
	if !ok || len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", resp["events"])
	}
}

func TestHandleStartIterationWithoutEngineReturns503(t *testing.T) {
	srv := setupTestServer(t)

	body := `{"projectId":"test-proj","roundNumber":1}`
	req := httptest.NewRequest(http.MethodPost, "/iteration/start", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleStartIteration(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no engine is wired, got %d", w.Code)
	}
}

func TestHandleStartIterationRejectsGet(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/iteration/start", nil)
	w := httptest.NewRecorder()
	srv.handleStartIteration(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	srv := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	if err != nil {
		t.Fatalf("server error: %v", err)
	}
}
