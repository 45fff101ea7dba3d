// Package api serves the task submission and lookup endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
)

const (
	requestTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20

	detailInvalidText = "Field 'text' is required and must be a string"
	detailNotFound    = "Task not found"
	detailInternal    = "Internal server error"
)

// Server is the task API.
type Server struct {
	store          store.Store
	logger         *slog.Logger
	metricsEnabled bool
	newID          func() string
}

func NewServer(st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  st,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// EnableMetrics mounts the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", s.handleReady)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/{id}", s.handleGetTask)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

type createTaskRequest struct {
	Text *string `json:"text"`
}

type taskResponse struct {
	TaskID string  `json:"task_id"`
	Result *string `json:"result"`
	Status string  `json:"status"`
	Text   string  `json:"text"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Text   string `json:"text"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	// A non-string text fails to decode into *string.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Text == nil {
		writeError(w, http.StatusBadRequest, detailInvalidText)
		return
	}

	task, err := models.NewTask(s.newID(), *req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, detailInvalidText)
		return
	}
	if err := s.store.Insert(r.Context(), task); err != nil {
		s.logger.Error("Failed to insert task", "task_id", task.ID, "error", err)
		writeError(w, http.StatusInternalServerError, detailInternal)
		return
	}

	writeJSON(w, http.StatusCreated, createTaskResponse{
		TaskID: task.ID,
		Status: string(models.StatusQueued),
		Text:   task.Text,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, detailNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to read task", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, detailInternal)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		TaskID: task.ID,
		Result: task.Result,
		Status: string(task.Status),
		Text:   task.Text,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("Readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"detail": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
