package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	redisadapter "crawlfleet/internal/adapters/redis"
	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/logger"
	"crawlfleet/internal/core/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxSearchTimeout = 5 * time.Minute
	maxArchivePage   = 100
)

// FailedJobs is the archive of jobs that failed on every agent.
type FailedJobs interface {
	List(ctx context.Context, offset, limit int64) ([]*redisadapter.ArchiveEntry, error)
	Count(ctx context.Context) (int64, error)
	Get(ctx context.Context, jobID string) (*redisadapter.ArchiveEntry, error)
	Remove(ctx context.Context, jobID string) error
}

type Server struct {
	router      *chi.Mux
	coordinator *services.Coordinator
	healthSvc   *services.HealthService
	hub         *Hub
	agents      *AgentHub
	failed      FailedJobs

	searchTimeout time.Duration
	searchPoll    time.Duration
	metrics       bool
}

type ServerOption func(*Server)

// WithFailedJobs exposes the failed-job archive under /api/jobs/failed.
func WithFailedJobs(f FailedJobs) ServerOption {
	return func(s *Server) { s.failed = f }
}

// WithSearch sets how long /api/search waits for a result and how often it
// looks.
func WithSearch(timeout, poll time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.searchTimeout = timeout
		}
		if poll > 0 {
			s.searchPoll = poll
		}
	}
}

// WithMetrics toggles the /metrics endpoint.
func WithMetrics(enabled bool) ServerOption {
	return func(s *Server) { s.metrics = enabled }
}

func NewServer(coordinator *services.Coordinator, healthSvc *services.HealthService, hub *Hub, agents *AgentHub, opts ...ServerOption) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		coordinator:   coordinator,
		healthSvc:     healthSvc,
		hub:           hub,
		agents:        agents,
		searchTimeout: 30 * time.Second,
		searchPoll:    time.Second,
		metrics:       true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestContext)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.metrics {
		s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			MetricsHandler().ServeHTTP(w, r)
		})
	}

	// Kubernetes liveness and readiness
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)

	// Agent transports
	s.router.Get("/ws", s.agents.ServeAgent)
	s.router.Post("/api/agent/message", s.handleAgentMessage)
	s.router.Post("/api/agent/poll", s.handleAgentPoll)

	// Dashboard
	s.router.Get("/api/events", s.handleEvents)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/search", s.handleSearch)

	s.router.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Delete("/", s.handleClearJobs)
		r.Get("/failed", s.handleListFailed)
		r.Post("/failed/{id}/retry", s.handleRetryFailed)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDeleteJob)
	})

	s.router.Route("/api/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Delete("/", s.handleClearAgents)
		r.Get("/{id}", s.handleGetAgent)
		r.Delete("/{id}", s.handleDeleteAgent)
	})
}

// Handler returns the traced router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "crawlfleet.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// requestContext copies chi's request id and the otel trace id where the
// logger looks for them.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = context.WithValue(ctx, logger.RequestIDKey, id)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = context.WithValue(ctx, logger.TraceIDKey, sc.TraceID().String())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withAgentID(r *http.Request, agentID string) *http.Request {
	if agentID == "" {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), logger.AgentIDKey, agentID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, r, domain.ErrMalformedEnvelope)
		return
	}
	r = withAgentID(r, env.AgentID)
	reply, err := s.coordinator.HandleAgentMessage(r.Context(), env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type pollRequest struct {
	AgentID string `json:"agentId"`
}

type pollResponse struct {
	Jobs []domain.JobAssignedPayload `json:"jobs"`
}

func (s *Server) handleAgentPoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrMalformedEnvelope)
		return
	}
	agentID := strings.TrimSpace(req.AgentID)
	r = withAgentID(r, agentID)
	jobs, err := s.coordinator.PollJobs(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Jobs: jobs})
}

type CreateJobRequest struct {
	Query   string          `json:"query"`
	Options json.RawMessage `json:"options,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	job, err := s.coordinator.CreateJob(r.Context(), req.Query, req.Options)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := services.JobQuery{
		Page:  queryInt(r, "page"),
		Limit: queryInt(r, "limit"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		q.Status = domain.JobStatus(status)
		if !q.Status.Valid() {
			writeErrorMessage(w, http.StatusBadRequest, "Validation failed", "unknown status "+strconv.Quote(status))
			return
		}
	}

	page, err := s.coordinator.ListJobs(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coordinator.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coordinator.DeleteJob(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": id})
}

func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.coordinator.ClearJobs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}

type failedJobsResponse struct {
	Jobs  []*redisadapter.ArchiveEntry `json:"jobs"`
	Total int64                        `json:"total"`
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	if s.failed == nil {
		writeErrorMessage(w, http.StatusNotImplemented, "Failed-job archive not configured", "")
		return
	}
	offset := max(queryInt(r, "offset"), 0)
	limit := queryInt(r, "limit")
	if limit <= 0 || limit > maxArchivePage {
		limit = services.DefaultPageLimit
	}

	entries, err := s.failed.List(r.Context(), int64(offset), int64(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := s.failed.Count(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, failedJobsResponse{Jobs: entries, Total: total})
}

// handleRetryFailed resubmits an archived job as a new job. The archive entry
// is dropped only once the new job exists.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	if s.failed == nil {
		writeErrorMessage(w, http.StatusNotImplemented, "Failed-job archive not configured", "")
		return
	}
	id := chi.URLParam(r, "id")
	entry, err := s.failed.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.coordinator.CreateJob(r.Context(), entry.Job.Query, json.RawMessage(entry.Job.Options))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.failed.Remove(r.Context(), id); err != nil {
		logger.WithContext(r.Context()).Warn("Retried job left in archive", "job_id", id, "new_job_id", job.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.coordinator.ListAgents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.coordinator.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coordinator.DeleteAgent(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent_id": id})
}

func (s *Server) handleClearAgents(w http.ResponseWriter, r *http.Request) {
	n, err := s.coordinator.ClearAgents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coordinator.SystemStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type searchResponse struct {
	Success bool            `json:"success"`
	JobID   string          `json:"jobId,omitempty"`
	Query   string          `json:"query,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleSearch creates a job and waits for its outcome.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeErrorMessage(w, http.StatusBadRequest, "Validation failed", "query parameter q is required")
		return
	}
	timeout := s.searchTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := parseTimeout(raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "Validation failed", err.Error())
			return
		}
		timeout = d
	}

	options, _ := json.Marshal(map[string]any{"maxResults": 20, "timeout": timeout.Milliseconds()})
	job, err := s.coordinator.CreateJob(r.Context(), query, options)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	ticker := time.NewTicker(s.searchPoll)
	defer ticker.Stop()

	for {
		current, err := s.coordinator.GetJob(ctx, job.ID)
		switch {
		case err != nil && ctx.Err() != nil:
		case err != nil:
			writeError(w, r, err)
			return
		case current.Status == domain.JobStatusCompleted:
			writeJSON(w, http.StatusOK, searchResponse{Success: true, JobID: job.ID, Query: query, Data: json.RawMessage(current.Result)})
			return
		case current.Status == domain.JobStatusFailed:
			writeJSON(w, http.StatusInternalServerError, searchResponse{JobID: job.ID, Error: current.Error})
			return
		}

		select {
		case <-ctx.Done():
			if r.Context().Err() != nil {
				return
			}
			writeJSON(w, http.StatusGatewayTimeout, searchResponse{JobID: job.ID, Error: "Timeout waiting for results"})
			return
		case <-ticker.C:
		}
	}
}

// parseTimeout accepts a Go duration ("15s") or whole seconds ("15").
func parseTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, errors.New("timeout must be a duration or a number of seconds")
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	return min(d, maxSearchTimeout), nil
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}

// writeError maps coordinator errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrMalformedEnvelope),
		errors.Is(err, domain.ErrUnknownMessageType):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrCoordinatorStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logger.WithContext(r.Context()).Error("Request failed", "path", r.URL.Path, "error", err)
	}
	writeErrorMessage(w, status, http.StatusText(status), err.Error())
}
