package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klomgor/Maintainerr/executor"
	"github.com/Klomgor/Maintainerr/internal/config"
	"github.com/Klomgor/Maintainerr/internal/logger"
	"github.com/Klomgor/Maintainerr/rules"
	"github.com/Klomgor/Maintainerr/scheduler"
	"github.com/Klomgor/Maintainerr/settings"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

// Server exposes the rules, execution and settings API
type Server struct {
	db        pinger
	rules     *rules.Service
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	settings  *settings.Service
	gatherer  prometheus.Gatherer
	router    *chi.Mux
}

// NewServer wires the HTTP routes. db may be nil when there is no
// database to health check.
func NewServer(db pinger, svc *rules.Service, exec *executor.Executor, sched *scheduler.Scheduler,
	st *settings.Service, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		db:        db,
		rules:     svc,
		executor:  exec,
		scheduler: sched,
		settings:  st,
		gatherer:  gatherer,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleUpsertRule)
		r.Get("/constants", s.handleConstants)

		r.Post("/execute", s.handleExecute)
		r.Get("/execute/report", s.handleLastReport)

		r.Get("/schedule", s.handleGetSchedule)
		r.Put("/schedule", s.handleUpdateSchedule)

		r.Get("/{id}", s.handleGetRule)
		r.Delete("/{id}", s.handleDeleteRule)
	})

	r.Route("/api/settings", func(r chi.Router) {
		r.Get("/", s.handleGetSettings)
		r.Post("/", s.handleUpdateSettings)
		r.Post("/api/generate", s.handleGenerateAPIKey)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		RunInProgress: s.executor.Running(),
		Schedule:      s.scheduler.Expression(),
	}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	groups, err := s.rules.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rule groups", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Groups: groups})
}

func (s *Server) handleConstants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ConstantsResponse{Constants: s.rules.Constants()})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := groupID(w, r)
	if !ok {
		return
	}
	group, err := s.rules.Get(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), "failed to get rule group", err)
		return
	}
	respondJSON(w, http.StatusOK, group)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var req rules.RuleGroupInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	status := http.StatusOK
	if req.ID == 0 {
		status = http.StatusCreated
	}

	group, err := s.rules.Upsert(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), "failed to save rule group", err)
		return
	}
	respondJSON(w, status, group)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := groupID(w, r)
	if !ok {
		return
	}
	if err := s.rules.Delete(r.Context(), id); err != nil {
		respondError(w, statusFor(err), "failed to delete rule group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	runID, err := s.executor.Start(r.Context(), executor.TriggerManual)
	if err != nil {
		respondError(w, statusFor(err), "rule execution not started", err)
		return
	}
	respondJSON(w, http.StatusAccepted, ExecuteResponse{RunID: runID, Status: "started"})
}

func (s *Server) handleLastReport(w http.ResponseWriter, r *http.Request) {
	report := s.executor.LastReport()
	if report == nil {
		respondError(w, http.StatusNotFound, "no rule execution has finished yet", nil)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.scheduleResponse())
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.scheduler.Reschedule(r.Context(), req.Cron); err != nil {
		respondError(w, statusFor(err), "failed to update schedule", err)
		return
	}
	respondJSON(w, http.StatusOK, s.scheduleResponse())
}

func (s *Server) scheduleResponse() ScheduleResponse {
	resp := ScheduleResponse{
		Cron:    s.scheduler.Expression(),
		State:   s.scheduler.State().String(),
		Running: s.executor.Running(),
	}
	if next := s.scheduler.Next(); !next.IsZero() {
		resp.Next = &next
	}
	return resp
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.settings.Current())
}

// handleUpdateSettings applies a partial update. The whole patch is
// validated before anything is written and stored in a single update; a
// changed rules cron is then installed on the scheduler.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := settings.ValidatePatch(patch); err != nil {
		respondJSON(w, statusFor(err), ReturnStatus{Code: 0, Message: err.Error()})
		return
	}

	var newCron string
	if patch.RulesHandlerCron != nil {
		if expr := strings.TrimSpace(*patch.RulesHandlerCron); expr != s.scheduler.Expression() {
			newCron = expr
		}
	}

	updated, err := s.settings.Update(r.Context(), patch)
	if err != nil {
		respondJSON(w, statusFor(err), ReturnStatus{Code: 0, Message: err.Error()})
		return
	}

	if newCron != "" {
		if err := s.scheduler.Reschedule(r.Context(), newCron); err != nil {
			logger.Error("settings saved but schedule not applied", "component", "http", "cron", newCron, "error", err)
			respondJSON(w, statusFor(err), ReturnStatus{Code: 0, Message: err.Error(), Result: updated})
			return
		}
	}
	respondJSON(w, http.StatusOK, ReturnStatus{Code: 1, Message: "Success", Result: updated})
}

func (s *Server) handleGenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	updated, err := s.settings.RegenerateAPIKey(r.Context())
	if err != nil {
		respondJSON(w, statusFor(err), ReturnStatus{Code: 0, Message: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, ReturnStatus{Code: 1, Message: "Success", Result: updated.APIKey})
}

func groupID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid rule group id", err)
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var invalidSchedule *scheduler.InvalidScheduleError
	switch {
	case errors.Is(err, rules.ErrInvalidRule), errors.Is(err, settings.ErrInvalidSettings), errors.As(err, &invalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotInitialized), errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to write response", "component", "http", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	if level, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		logger.Warn("invalid log level", "level", cfg.Log.Level, "error", err)
	} else {
		logger.SetLevel(level)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}
