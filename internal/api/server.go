// Package api exposes the orchestrator over HTTP: submit, status, list,
// cancel, health, and the Prometheus exposition. Wire shapes are pinned;
// everything else delegates to the job manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"codesmith/internal/job"
	"codesmith/internal/types"
)

// serviceName is reported by the health endpoint.
const serviceName = "codesmith-orchestrator"

// Options tunes the server.
type Options struct {
	Addr string
	// Verbose exposes model names and error detail in failure payloads.
	Verbose bool
	// DefaultMaxIterations applies when a submission omits the field.
	DefaultMaxIterations int
}

// Server is the HTTP front end.
type Server struct {
	manager  *job.Manager
	opts     Options
	validate *validator.Validate
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	http     *http.Server
}

// New builds a server around the manager. gatherer feeds /metrics; pass the
// registry the metrics bundle was built with.
func New(manager *job.Manager, gatherer prometheus.Gatherer, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultMaxIterations <= 0 {
		opts.DefaultMaxIterations = 50
	}
	s := &Server{
		manager:  manager,
		opts:     opts,
		validate: validator.New(),
		gatherer: gatherer,
		logger:   logger.Named("api"),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/orchestrate", s.handleOrchestrate)
	r.Get("/status/{jobID}", s.handleStatus)
	r.Get("/jobs", s.handleJobs)
	r.Post("/cancel/{jobID}", s.handleCancel)
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.opts.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

type orchestrateRequest struct {
	Task          string `json:"task" validate:"required,min=3"`
	Language      string `json:"language" validate:"omitempty,max=32"`
	MaxIterations int    `json:"maxIterations" validate:"omitempty,min=1,max=1000"`
	WorkspacePath string `json:"workspacePath" validate:"omitempty,max=4096"`
}

type orchestrateResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = s.opts.DefaultMaxIterations
	}

	id, err := s.manager.Start(req.Task, req.Language, req.MaxIterations, req.WorkspacePath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not admit job")
		s.logger.Error("admission failed", zap.Error(err))
		return
	}
	s.writeJSON(w, http.StatusOK, orchestrateResponse{
		JobID:   id,
		Message: fmt.Sprintf("job accepted with up to %d iterations", req.MaxIterations),
	})
}

type statusResponse struct {
	JobID        string           `json:"jobId"`
	Status       types.JobStatus  `json:"status"`
	Progress     int              `json:"progress"`
	CurrentPhase types.Phase      `json:"currentPhase,omitempty"`
	Iteration    int              `json:"iteration"`
	StartedAt    time.Time        `json:"startedAt"`
	FinishedAt   *time.Time       `json:"finishedAt,omitempty"`
	Result       *statusResult    `json:"result,omitempty"`
	Error        *statusError     `json:"error,omitempty"`
}

type statusResult struct {
	Files []statusFile `json:"files"`
}

type statusFile struct {
	Path       string           `json:"path"`
	Content    string           `json:"content"`
	ChangeType types.ChangeType `json:"changeType"`
}

type statusError struct {
	Kind    types.Kind `json:"kind"`
	Message string     `json:"message"`
}

func (s *Server) toStatusResponse(st *job.Status) statusResponse {
	resp := statusResponse{
		JobID:        st.JobID,
		Status:       st.Status,
		Progress:     st.Progress,
		CurrentPhase: st.CurrentPhase,
		Iteration:    st.Iteration,
		StartedAt:    st.StartedAt,
		FinishedAt:   st.FinishedAt,
	}
	if st.Result != nil {
		files := make([]statusFile, len(st.Result.Files))
		for i, f := range st.Result.Files {
			files[i] = statusFile{Path: f.Path, Content: f.Content, ChangeType: f.ChangeType}
		}
		resp.Result = &statusResult{Files: files}
	}
	if st.ErrorKind != "" {
		msg := st.ErrorMsg
		if s.opts.Verbose && st.StatusText != "" {
			msg = fmt.Sprintf("%s (%s)", msg, st.StatusText)
		}
		resp.Error = &statusError{Kind: st.ErrorKind, Message: msg}
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown job id")
		return
	}
	s.writeJSON(w, http.StatusOK, s.toStatusResponse(st))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.List()
	out := make([]statusResponse, len(statuses))
	for i, st := range statuses {
		out[i] = s.toStatusResponse(st)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.manager.Cancel(id); err != nil {
		s.writeError(w, http.StatusNotFound, "unknown job id")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("job %s cancelled", id),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"message": message})
}
