// Package api exposes the gallery-server HTTP surface the operator CLI and
// the Vue front-end drive: storage stats, migration lifecycle control, and
// AI queue inspection. Live status pushes ride the separate notify/wsfanout
// WebSocket handler, not this package.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/pixelforge/gallery-core/internal/aiqueue"
	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/migration"
	"github.com/pixelforge/gallery-core/internal/storage"
)

// Server holds the dependencies HTTP handlers dispatch into. All fields are
// required.
type Server struct {
	Migration      *migration.Engine
	MigrationStore migration.Store
	Queue          *aiqueue.Store
	Storage        *storage.Manager
	Log            zerolog.Logger
}

// Routes builds the mux gallery-server listens on.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/storage/stats", s.handleStorageStats)

	mux.HandleFunc("POST /api/v1/migrations", s.handleCreateMigration)
	mux.HandleFunc("GET /api/v1/migrations/{id}", s.handleGetMigration)
	mux.HandleFunc("POST /api/v1/migrations/{id}/execute", s.handleMigrationAction(s.Migration.Execute))
	mux.HandleFunc("POST /api/v1/migrations/{id}/pause", s.handleMigrationAction(s.Migration.Pause))
	mux.HandleFunc("POST /api/v1/migrations/{id}/resume", s.handleMigrationAction(s.Migration.Resume))
	mux.HandleFunc("POST /api/v1/migrations/{id}/cancel", s.handleMigrationAction(s.Migration.Cancel))
	mux.HandleFunc("POST /api/v1/migrations/{id}/rollback", s.handleRollbackMigration)

	mux.HandleFunc("GET /api/v1/queues", s.handleListQueues)
	mux.HandleFunc("POST /api/v1/queues/{id}/retry", s.handleRetryQueueFailed)
	mux.HandleFunc("POST /api/v1/queue-items/{id}/retry", s.handleRetryItem)
	mux.HandleFunc("POST /api/v1/queue-items/{id}/ignore", s.handleIgnoreItem)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Storage.MultiStats(r.Context()))
}

type createMigrationRequest struct {
	Kind              catalog.MigrationKind   `json:"kind"`
	SourceBackendID   string                  `json:"source_backend_id"`
	TargetBackendID   string                  `json:"target_backend_id"`
	DeleteSourceAfter bool                    `json:"delete_source_after"`
	Filter            catalog.MigrationFilter `json:"filter"`
}

func (s *Server) handleCreateMigration(w http.ResponseWriter, r *http.Request) {
	var req createMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	task := migration.Task{
		Kind:              req.Kind,
		SourceBackendID:   blob.BackendID(req.SourceBackendID),
		TargetBackendID:   blob.BackendID(req.TargetBackendID),
		DeleteSourceAfter: req.DeleteSourceAfter,
		Filter:            req.Filter,
	}
	id, err := s.Migration.Plan(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.MigrationStore.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRollbackMigration(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rollbackTaskID, err := s.Migration.Rollback(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rollback_task_id": rollbackTaskID})
}

// handleMigrationAction adapts a (ctx, taskID) error-returning Engine method
// into an HTTP handler; Execute/Pause/Resume/Cancel share this exact shape.
func (s *Server) handleMigrationAction(action func(ctx context.Context, taskID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := action(r.Context(), id); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.Queue.EnabledQueues(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) handleRetryQueueFailed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Queue.RetryQueueFailed(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Queue.Retry(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleIgnoreItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Queue.Ignore(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
