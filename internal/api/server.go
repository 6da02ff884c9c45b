// Package api exposes the job-submission surface as a small JSON HTTP
// API: enqueue tasks, inspect and list them, request cancellation and
// retry. Execution stays in the worker pool; handlers only touch the
// task store.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/config"
	"github.com/dbporter/dbporter/internal/logging"
	"github.com/dbporter/dbporter/internal/task"
)

// Server handles the JSON API.
type Server struct {
	cfg   *config.Config
	store *task.Store
}

func NewServer(cfg *config.Config, store *task.Store) *Server {
	return &Server{cfg: cfg, store: store}
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /tasks", s.handleEnqueue)
	mux.HandleFunc("GET /tasks", s.handleList)
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/retry", s.handleRetry)
	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// enqueueRequest is the POST /tasks body.
type enqueueRequest struct {
	Kind      task.Kind   `json:"kind"`
	ProfileID string      `json:"profile_id"`
	Params    task.Params `json:"params"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if err := s.validate(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.store.Enqueue(r.Context(), req.Kind, req.ProfileID, req.Params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logging.Info("task enqueued", "task", t.ID, "kind", t.Kind, "profile", t.ProfileID)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) validate(req *enqueueRequest) error {
	switch req.Kind {
	case task.KindExport, task.KindImport:
		if req.Params.Table == "" {
			return errors.New("params.table is required")
		}
		if req.Params.Format == "" {
			return errors.New("params.format is required")
		}
	case task.KindRestore:
		if req.Params.Path == "" {
			return errors.New("params.path is required")
		}
	case task.KindBackup:
	default:
		return errors.New("kind must be export, import, backup or restore")
	}

	if _, ok := s.cfg.ProfileByID(req.ProfileID); !ok {
		return errors.New("unknown profile " + req.ProfileID)
	}
	if _, err := adapter.Get(s.profileEngine(req.ProfileID)); err != nil {
		return err
	}
	if _, ok := s.cfg.Storage[req.Params.Storage]; !ok {
		return errors.New("unknown storage " + req.Params.Storage)
	}
	return nil
}

func (s *Server) profileEngine(id string) string {
	if p, ok := s.cfg.ProfileByID(id); ok {
		return p.Engine
	}
	return ""
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state := task.State(r.URL.Query().Get("state"))
	tasks, err := s.store.List(r.Context(), state, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleCancel flips the cancel flag. Cancellation is cooperative: a
// running task stops at its next batch boundary, so the response only
// acknowledges the request.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.store.RequestCancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		t, gerr := s.store.Get(r.Context(), id)
		if errors.Is(gerr, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if gerr == nil {
			writeError(w, http.StatusConflict, "task is already "+string(t.State))
			return
		}
		writeError(w, http.StatusInternalServerError, gerr.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Retry(r.Context(), r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
