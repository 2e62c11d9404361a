// Package server exposes the engine over HTTP+JSON.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/calder-dev/mnemo/internal/core"
	"github.com/calder-dev/mnemo/pkg/errdefs"
)

// Server routes API requests to the engine.
type Server struct {
	engine *core.Engine
	logger *slog.Logger
	router *mux.Router
}

// New creates the API server.
func New(engine *core.Engine, logger *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/events", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}", s.handleGetEvent).Methods(http.MethodGet)

	api.HandleFunc("/retrieve", s.handleRetrieve).Methods(http.MethodPost)
	api.HandleFunc("/packs/{id}", s.handleGetPack).Methods(http.MethodGet)

	api.HandleFunc("/policies", s.handleListPolicies).Methods(http.MethodGet)
	api.HandleFunc("/policies/reload", s.handleReloadPolicies).Methods(http.MethodPost)
	api.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods(http.MethodGet)
	api.HandleFunc("/policies/{id}", s.handleUpdatePolicy).Methods(http.MethodPut)

	api.HandleFunc("/branches", s.handleListBranches).Methods(http.MethodGet)
	api.HandleFunc("/branches", s.handleCreateBranch).Methods(http.MethodPost)
	api.HandleFunc("/commits", s.handleCommit).Methods(http.MethodPost)
	api.HandleFunc("/merge", s.handleMerge).Methods(http.MethodPost)
	api.HandleFunc("/tags", s.handleTag).Methods(http.MethodPost)
	api.HandleFunc("/rollup", s.handleRollUp).Methods(http.MethodPost)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler wraps the router with recovery and request logging.
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(s.logging(s.router))
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// ListenAndServe blocks serving the API on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("api listening", "addr", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe()
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errdefs.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "validation_error", "budget_too_small":
		status = http.StatusBadRequest
	case "not_found", "policy_not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	case "index_unavailable":
		status = http.StatusServiceUnavailable
	case "store_unavailable":
		status = http.StatusServiceUnavailable
	}
	s.logger.Error("request failed", "kind", kind, "error", err)
	s.writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Wrapf(errdefs.ErrValidation, "bad request body: %v", err)
	}
	return nil
}
