// Package server exposes the REST surface of the annotation engine.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/internal/dataset"
	"github.com/lamim/cogtrace/internal/job"
	"github.com/lamim/cogtrace/internal/resolution"
	"github.com/lamim/cogtrace/pkg/models"
)

// Server routes HTTP requests to the job manager.
type Server struct {
	manager *job.Manager
	handler http.Handler
	logger  *slog.Logger
}

// New builds the router and middleware stack.
func New(cfg *config.Config, manager *job.Manager, logger *slog.Logger) *Server {
	s := &Server{
		manager: manager,
		logger:  logger.With("component", "http"),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/jobs", s.handleStartJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/sessions/{sid}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/sessions/{sid}/log", s.handleSessionLog).Methods(http.MethodGet)
	api.HandleFunc("/export/csv", s.handleExportCSV).Methods(http.MethodGet)
	api.HandleFunc("/export/json", s.handleExportJSON).Methods(http.MethodGet)
	api.HandleFunc("/labels", s.handleLabels).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.handler = c.Handler(s.logRequests(r))

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req job.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.DatasetID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("dataset_id is required"))
		return
	}

	progress, err := s.manager.Start(r.Context(), req)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, progress)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	progress, err := s.manager.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	progress, err := s.manager.Stop(mux.Vars(r)["id"])
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req job.ResumeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}
	progress, err := s.manager.Resume(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, progress)
}

// resolveRequest is the resolve-session payload.
type resolveRequest struct {
	Resolutions []resolution.EventResolution `json:"resolutions"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.Resolutions) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("resolutions must not be empty"))
		return
	}

	out, err := s.manager.Resolve(r.Context(), vars["id"], vars["sid"], req.Resolutions)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"resolutions": out})
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := s.manager.SessionLog(vars["id"], vars["sid"])
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) exportEvents(w http.ResponseWriter, r *http.Request) ([]models.AnnotatedEvent, string, bool) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("job query parameter is required"))
		return nil, "", false
	}
	events, err := s.manager.Export(r.Context(), jobID)
	if err != nil {
		s.writeManagerError(w, err)
		return nil, "", false
	}
	return events, jobID, true
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	events, jobID, ok := s.exportEvents(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+"_annotations.csv"))
	if err := s.manager.Exporter().WriteCSV(w, events); err != nil {
		s.logger.Error("CSV export failed mid-stream", "job_id", jobID, "error", err)
	}
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	events, jobID, ok := s.exportEvents(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := s.manager.Exporter().WriteJSON(w, events); err != nil {
		s.logger.Error("JSON export failed mid-stream", "job_id", jobID, "error", err)
	}
}

func (s *Server) handleLabels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"labels": models.AllLabels})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeManagerError maps manager errors to HTTP statuses.
func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrJobNotFound),
		errors.Is(err, job.ErrLogNotFound),
		errors.Is(err, job.ErrSessionNotFound),
		errors.Is(err, dataset.ErrDatasetUnavailable):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, job.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusBadRequest, err)
	}
}
