// Package api is the producer and operations HTTP surface: it registers
// input files, creates queued jobs and reports job status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/jobloop/internal/domain"
	"github.com/dunamismax/jobloop/internal/id"
	"github.com/dunamismax/jobloop/internal/ratelimit"
	"github.com/dunamismax/jobloop/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

type Store interface {
	store.JobStore
	store.FileStore
}

type Server struct {
	logger       *slog.Logger
	store        Store
	metrics      *metrics
	tracer       trace.Tracer
	rateLimiter  RateLimiter
	graph        string
	callerHeader string
	router       chi.Router
	now          func() time.Time
}

type Option func(*Server)

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithRateLimiter budgets job creation per task type within graph and file
// registration per caller. Callers are told apart by callerHeader.
func WithRateLimiter(limiter RateLimiter, graph, callerHeader string) Option {
	return func(s *Server) {
		s.rateLimiter = limiter
		s.graph = graph
		if strings.TrimSpace(callerHeader) != "" {
			s.callerHeader = callerHeader
		}
	}
}

func NewServer(logger *slog.Logger, st Store, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:       logger,
		store:        st,
		metrics:      newMetrics(),
		callerHeader: "X-User-ID",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(s.withTracing)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.withCallerBudget).Post("/files", s.handleRegisterFile)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file := domain.File{
		ID:        id.New(),
		Name:      strings.TrimSpace(req.Name),
		Location:  strings.TrimSpace(req.Location),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.RegisterFile(r.Context(), file); err != nil {
		s.logger.Error("register file failed", slog.String("file_id", file.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to register file")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"file_id":  file.ID,
		"name":     file.Name,
		"location": file.Location,
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sourceRef := strings.TrimSpace(req.SourceRef)
	if err := s.verifySourceExists(r.Context(), sourceRef); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	taskType := strings.TrimSpace(req.TaskType)
	if !s.admit(w, r, ratelimit.Key{Graph: s.graph, TaskType: taskType}) {
		return
	}

	now := s.now().UTC()
	job := domain.Job{
		ID:        id.New(),
		TaskType:  taskType,
		SourceRef: sourceRef,
		Status:    domain.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrJobExists) {
			writeError(w, http.StatusConflict, "job already exists")
			return
		}
		s.logger.Error("create job failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.metrics.jobsCreated.WithLabelValues(job.TaskType).Inc()

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, jobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !id.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, ok, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, jobResponse(job))
}

// verifySourceExists refuses jobs whose source file the worker could never
// resolve.
func (s *Server) verifySourceExists(ctx context.Context, fileID string) error {
	_, ok, err := s.store.ResolveLocation(ctx, fileID)
	switch {
	case errors.Is(err, store.ErrMalformedFileRecord):
		return fmt.Errorf("source file %s has no location", fileID)
	case err != nil:
		return fmt.Errorf("source file check failed: %w", err)
	case !ok:
		return fmt.Errorf("source file is not registered: %s", fileID)
	}
	return nil
}

func jobResponse(job domain.Job) map[string]any {
	out := map[string]any{
		"job_id":     job.ID,
		"task_type":  job.TaskType,
		"source_ref": job.SourceRef,
		"status":     job.Status,
		"status_uri": job.Status.URI(),
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.HasResult() {
		out["result_ref"] = job.ResultRef
	}
	return out
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
