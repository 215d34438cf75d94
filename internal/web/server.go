// Package web serves the daemon's HTTP API and the websocket event stream.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"devswarm/internal/bus"
	"devswarm/internal/gitops"
	"devswarm/internal/orchestrator"
	"devswarm/internal/store"
)

// Server is the daemon's HTTP surface.
type Server struct {
	store     *store.Store
	orch      *orchestrator.Orchestrator
	worktrees *gitops.Manager
	events    *bus.Bus
	logger    *slog.Logger

	server       *http.Server
	hub          *hub
	shutdownOnce sync.Once
	requestStop  func() // set by the daemon; triggers full shutdown
}

// NewServer wires the HTTP surface over the shared components. requestStop is
// invoked by POST /shutdown to begin daemon shutdown.
func NewServer(st *store.Store, orch *orchestrator.Orchestrator, worktrees *gitops.Manager, events *bus.Bus, logger *slog.Logger, requestStop func()) *Server {
	s := &Server{
		store:       st,
		orch:        orch,
		worktrees:   worktrees,
		events:      events,
		logger:      logger,
		requestStop: requestStop,
	}
	s.hub = newHub(st, events, logger)
	return s
}

// routes builds the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /ws", s.hub.handleWS)

	mux.HandleFunc("GET /api/state", s.apiGetState)

	mux.HandleFunc("GET /api/roadmap", s.apiListRoadmap)
	mux.HandleFunc("POST /api/roadmap", s.apiCreateRoadmapItem)
	mux.HandleFunc("GET /api/roadmap/{id}", s.apiGetRoadmapItem)
	mux.HandleFunc("PATCH /api/roadmap/{id}", s.apiUpdateRoadmapItem)
	mux.HandleFunc("GET /api/roadmap/{id}/dependencies", s.apiGetItemDependencies)

	mux.HandleFunc("POST /api/dependencies", s.apiAddDependency)
	mux.HandleFunc("DELETE /api/dependencies/{id}", s.apiRemoveDependency)
	mux.HandleFunc("POST /api/dependencies/{id}/resolve", s.apiResolveDependency)

	mux.HandleFunc("GET /api/specs", s.apiListSpecs)
	mux.HandleFunc("POST /api/specs", s.apiCreateSpec)
	mux.HandleFunc("GET /api/specs/{id}", s.apiGetSpec)
	mux.HandleFunc("PATCH /api/specs/{id}", s.apiUpdateSpec)
	mux.HandleFunc("GET /api/specs/{id}/task-groups", s.apiListTaskGroups)

	mux.HandleFunc("POST /api/task-groups", s.apiCreateTaskGroup)
	mux.HandleFunc("PATCH /api/task-groups/{id}", s.apiUpdateTaskGroup)
	mux.HandleFunc("POST /api/tasks", s.apiCreateTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.apiUpdateTask)

	mux.HandleFunc("GET /api/claudes", s.apiListAgents)
	mux.HandleFunc("POST /api/main/message", s.apiMessageMain)

	mux.HandleFunc("GET /api/questions/pending", s.apiPendingQuestions)
	mux.HandleFunc("POST /api/questions/{id}/answer", s.apiAnswerQuestion)

	mux.HandleFunc("GET /api/worktrees", s.apiListWorktrees)

	mux.HandleFunc("GET /api/auth/{key}", s.apiGetAuthState)
	mux.HandleFunc("PUT /api/auth/{key}", s.apiSetAuthState)

	return s.withCORS(s.withLogging(mux))
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.run()

	s.logger.Info("HTTP server listening", "addr", addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.hub.close()
	})
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleShutdown acknowledges and kicks off the daemon's graceful shutdown.
// The daemon publishes each shutdown_progress stage as it completes; nothing
// is published here so stages appear exactly once.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Shutdown requested over HTTP")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting_down"})

	if s.requestStop != nil {
		go s.requestStop()
	}
}

// withLogging wraps a handler with request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// withCORS allows the local dashboard to call the API from any origin.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
