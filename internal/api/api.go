// Package api provides the DAL core's local HTTP surface: read-only status
// and project snapshots for the UI shell, plus the operator-triggered
// Iteration Engine endpoints (starting a round, starting final training,
// cancelling a round). Every write here still only delivers a request to
// the Iteration Engine, which re-checks coordinator authorization, project
// status, and round sequencing itself before touching anything — the HTTP
// layer never bypasses that, it's just the transport this conductor
// instance's own operator uses to reach it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/config"
	"github.com/daloraclehub/dalcore/internal/configstore"
	"github.com/daloraclehub/dalcore/internal/eventbus"
	"github.com/daloraclehub/dalcore/internal/iteration"
	"github.com/daloraclehub/dalcore/internal/store"
)

// Server is the DAL core's local HTTP API server backing the UI shell and
// operator tooling.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	configs        *configstore.Store
	bus            *eventbus.Bus
	engine         *iteration.Engine
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware
}

// NewServer creates the API server. engine may be nil in configurations
// that never start iteration rounds from this process (e.g. a read-only
// monitoring instance); the iteration routes then reply 503.
func NewServer(cfg *config.Config, s *store.Store, configs *configstore.Store, bus *eventbus.Bus, engine *iteration.Engine, logger *slog.Logger) (*Server, error) {
	authMiddleware, err := NewAuthMiddleware(&cfg.API, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth middleware: %w", err)
	}

	return &Server{
		cfg:            cfg,
		store:          s,
		configs:        configs,
		bus:            bus,
		engine:         engine,
		logger:         logger,
		startTime:      time.Now(),
		authMiddleware: authMiddleware,
	}, nil
}

// Close releases server resources.
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Start begins listening on the configured bind address. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.authMiddleware.RequireLocal(s.handleStatus))
	mux.HandleFunc("/health", s.authMiddleware.RequireLocal(s.handleHealth))
	mux.HandleFunc("/projects", s.authMiddleware.RequireLocal(s.handleProjects))
	mux.HandleFunc("/projects/", s.authMiddleware.RequireLocal(s.handleProjectDetail))
	mux.HandleFunc("/events", s.authMiddleware.RequireLocal(s.handleEvents))
	mux.HandleFunc("/iteration/start", s.authMiddleware.RequireLocal(s.handleStartIteration))
	mux.HandleFunc("/iteration/final-training", s.authMiddleware.RequireLocal(s.handleStartFinalTraining))
	mux.HandleFunc("/iteration/cancel", s.authMiddleware.RequireLocal(s.handleCancelIteration))

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeEngineError maps an Iteration Engine error to its HTTP status and a
// message safe to hand to whatever's driving this local HTTP call.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, apperrors.GetStatusCode(err), apperrors.SafeErrorMessage(err))
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	projects := s.configs.List()

	byStatus := make(map[string]int)
	for _, cfg := range projects {
		byStatus[string(cfg.Status)]++
	}

	writeJSON(w, map[string]any{
		"uptime_s":           time.Since(s.startTime).Seconds(),
		"project_count":      len(projects),
		"projects_by_status": byStatus,
	})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"healthy": true,
		"uptime_s": time.Since(s.startTime).Seconds(),
	})
}

// GET /projects
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.configs.List())
}

// projectDetail is the response shape for GET /projects/{id}.
type projectDetail struct {
	Configuration    configstore.Configuration `json:"configuration"`
	DeploymentIntent *store.DeploymentIntent   `json:"deploymentIntent,omitempty"`
	LatestRound      int                       `json:"latestRound"`
	Checkpoint       *store.IterationCheckpoint `json:"checkpoint,omitempty"`
	ExportRecord     *store.ExportRecord       `json:"exportRecord,omitempty"`
}

// GET /projects/{id}
func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/projects/")
	if id == "" {
		s.handleProjects(w, r)
		return
	}

	cfg, err := s.configs.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	detail := projectDetail{Configuration: cfg}

	if intent, err := s.store.GetLatestDeploymentIntent(id); err == nil {
		detail.DeploymentIntent = intent
	} else {
		s.logger.Warn("failed to load deployment intent", "project", id, "error", err)
	}

	round, err := s.store.GetLatestIterationRound(id)
	if err != nil {
		s.logger.Warn("failed to load latest round", "project", id, "error", err)
	}
	detail.LatestRound = round

	if round > 0 {
		if checkpoint, err := s.store.GetIterationCheckpoint(id, round); err == nil {
			detail.Checkpoint = checkpoint
		}
		if export, err := s.store.GetLatestExportRecord(id, round); err == nil {
			detail.ExportRecord = export
		}
	}

	writeJSON(w, detail)
}

// GET /events?topic=&hours=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = string(eventbus.TopicIterationState)
	}

	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		if parsed, err := strconv.Atoi(h); err == nil && parsed > 0 && parsed <= 168 {
			hours = parsed
		}
	}

	events, err := s.store.GetRecentEvents(topic, hours)
	if err != nil {
		s.logger.Error("failed to query events", "topic", topic, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	writeJSON(w, map[string]any{
		"topic":  topic,
		"hours":  hours,
		"events": events,
	})
}

// iterationStartRequest is the body for POST /iteration/start.
type iterationStartRequest struct {
	ProjectID     string `json:"projectId"`
	RoundNumber   int    `json:"roundNumber"`
	VotingTimeout string `json:"votingTimeout,omitempty"` // e.g. "24h", defaults to the workflow's own default
	PollInterval  string `json:"pollInterval,omitempty"`  // e.g. "15s", defaults to the workflow's own default
}

// POST /iteration/start {projectId, roundNumber}
// Starts round roundNumber for the project: the startIteration contract.
func (s *Server) handleStartIteration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "iteration engine not available on this instance")
		return
	}

	var req iterationStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ProjectID == "" || req.RoundNumber <= 0 {
		writeError(w, http.StatusBadRequest, "projectId and a positive roundNumber are required")
		return
	}

	votingTimeout, err := parseOptionalDuration(req.VotingTimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid votingTimeout")
		return
	}
	pollInterval, err := parseOptionalDuration(req.PollInterval)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pollInterval")
		return
	}

	run, err := s.engine.StartRound(r.Context(), req.ProjectID, req.RoundNumber, votingTimeout, pollInterval)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, map[string]any{"workflowId": run.GetID(), "runId": run.GetRunID()})
}

// iterationProjectRequest is the body for POST /iteration/final-training and
// POST /iteration/cancel, which only ever need a project id.
type iterationProjectRequest struct {
	ProjectID string `json:"projectId"`
	Reason    string `json:"reason,omitempty"`
}

// POST /iteration/final-training {projectId}
// Starts the terminal training-only round: the startFinalTraining
// contract. The round number is derived internally, never supplied here.
func (s *Server) handleStartFinalTraining(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "iteration engine not available on this instance")
		return
	}

	var req iterationProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	run, err := s.engine.StartFinalTraining(r.Context(), req.ProjectID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, map[string]any{"workflowId": run.GetID(), "runId": run.GetRunID()})
}

// POST /iteration/cancel {projectId, reason}
func (s *Server) handleCancelIteration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "iteration engine not available on this instance")
		return
	}

	var req iterationProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	if err := s.engine.Cancel(r.Context(), req.ProjectID, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, map[string]string{"status": "cancel signal sent"})
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
