package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devstack-sh/devstack/engine/runtime"
	"github.com/devstack-sh/devstack/spec"
)

// Server is the devstack daemon's HTTP API. It manages any number of
// concurrent environments, each with its own orchestrator, event log
// and operation tracker, keyed by project name.
type Server struct {
	mux     *http.ServeMux
	adapter runtime.Adapter
	ports   *PortAllocator
	backups BackupCoordinator
	idle    *IdleTimer

	mu   sync.Mutex
	envs map[string]*Orchestrator
}

// NewServer creates a Server and registers all HTTP routes. Pass
// idleTimeout = 0 to disable automatic shutdown.
func NewServer(adapter runtime.Adapter, backups BackupCoordinator, idleTimeout time.Duration) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		adapter: adapter,
		ports:   NewPortAllocator(),
		backups: backups,
		idle:    NewIdleTimer(idleTimeout),
		envs:    make(map[string]*Orchestrator),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /environments", s.handleListEnvironments)
	s.mux.HandleFunc("POST /environments", s.handleCreateEnvironment)
	s.mux.HandleFunc("GET /environments/{project}", s.handleGetEnvironment)
	s.mux.HandleFunc("DELETE /environments/{project}", s.handleDestroyEnvironment)
	s.mux.HandleFunc("POST /environments/{project}/operations", s.handleStartOperation)
	s.mux.HandleFunc("GET /environments/{project}/operations", s.handleListOperations)
	s.mux.HandleFunc("GET /environments/{project}/operations/{id}", s.handleGetOperation)
	s.mux.HandleFunc("GET /environments/{project}/events", s.handleSSE)
	s.mux.HandleFunc("GET /environments/{project}/metrics", s.handleMetrics)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ShutdownCh returns a channel that is closed when the idle timer fires.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.idle.ShutdownCh()
}

// handleHealth handles GET /health. Returns 200 with {"status":"ok"}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListEnvironments handles GET /environments.
func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make(map[string]spec.EnvironmentState, len(s.envs))
	for project, orch := range s.envs {
		out[project] = orch.State()
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

// handleCreateEnvironment handles POST /environments.
//
// Decodes and validates the config, registers the orchestrator, and
// kicks off the create operation. Returns 201 with the project name and
// operation id immediately; provisioning runs in the background and is
// observable through the operation record and the event stream.
func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	cfg, err := spec.DecodeConfig(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode: "+err.Error())
		return
	}

	orch, err := New(cfg, s.adapter, Options{
		Ports:   s.ports,
		Backups: s.backups,
	})
	if err != nil {
		if cfgErr, ok := err.(*ConfigError); ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":             "config validation failed",
				"validation_errors": cfgErr.Problems,
			})
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	if _, exists := s.envs[cfg.Project]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("environment %q already exists", cfg.Project))
		return
	}
	s.envs[cfg.Project] = orch
	s.mu.Unlock()

	s.idle.Track(cfg.Project)

	opID := orch.Create(r.Context())

	writeJSON(w, http.StatusCreated, map[string]string{
		"project":   cfg.Project,
		"operation": opID,
	})
}

// handleGetEnvironment handles GET /environments/{project}. Returns the
// full recomputed status snapshot.
func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.getEnv(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orch.Status(r.Context()))
}

// handleDestroyEnvironment handles DELETE /environments/{project}.
//
// Runs the destroy operation to completion, then removes the
// environment from the active set. Destroy is fail-soft, so this
// returns 200 even when individual resources could not be removed; the
// operation log carries the details.
func (s *Server) handleDestroyEnvironment(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	// Remove from the map immediately so concurrent DELETEs get 404.
	s.mu.Lock()
	orch, ok := s.envs[project]
	if ok {
		delete(s.envs, project)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "environment not found")
		return
	}

	opID := orch.Destroy(r.Context())
	if err := orch.Wait(r.Context(), opID); err != nil {
		// Destroy workers only fail on internal errors; the teardown
		// itself is fail-soft.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	orch.Close()

	s.idle.Forget(project)

	op, _ := orch.Operations().Get(opID)
	writeJSON(w, http.StatusOK, map[string]any{
		"project":   project,
		"status":    "destroyed",
		"operation": op,
	})
}

// operationRequest is the wire format for POST .../operations.
type operationRequest struct {
	Type     OperationType `json:"type"`
	Service  string        `json:"service,omitempty"`  // scale
	Replicas int           `json:"replicas,omitempty"` // scale
	Archive  string        `json:"archive,omitempty"`  // restore
}

// handleStartOperation handles POST /environments/{project}/operations.
// Dispatches on the request's type field and returns 202 with the
// operation id. Create and destroy have their own endpoints.
func (s *Server) handleStartOperation(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.getEnv(w, r)
	if !ok {
		return
	}

	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}

	var opID string
	var err error
	switch req.Type {
	case OpStart:
		opID = orch.Start(r.Context())
	case OpStop:
		opID = orch.Stop(r.Context())
	case OpRestart:
		opID = orch.Restart(r.Context())
	case OpScale:
		opID, err = orch.Scale(r.Context(), req.Service, req.Replicas)
	case OpBackup:
		opID, err = orch.Backup(r.Context())
	case OpRestore:
		opID, err = orch.Restore(r.Context(), req.Archive)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown operation type %q", req.Type))
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"operation": opID})
}

// handleListOperations handles GET /environments/{project}/operations.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.getEnv(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orch.Operations().List())
}

// handleGetOperation handles GET /environments/{project}/operations/{id}.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.getEnv(w, r)
	if !ok {
		return
	}
	op, found := orch.Operations().Get(r.PathValue("id"))
	if !found {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// handleMetrics handles GET /environments/{project}/metrics, exposing
// the environment's Prometheus registry in text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.getEnv(w, r)
	if !ok {
		return
	}
	promhttp.HandlerFor(orch.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// getEnv looks up an environment by the {project} path value, writing a
// 404 and returning false if not found.
func (s *Server) getEnv(w http.ResponseWriter, r *http.Request) (*Orchestrator, bool) {
	project := r.PathValue("project")
	s.mu.Lock()
	orch, ok := s.envs[project]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "environment not found")
		return nil, false
	}
	return orch, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
