// Package server implements the toolhost HTTP API.
package server

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/virelabs/toolhost/internal/catalog"
	"github.com/virelabs/toolhost/internal/dispatch"
	"github.com/virelabs/toolhost/internal/errors"
	"github.com/virelabs/toolhost/internal/plugin"
)

// Server is the HTTP API server.
type Server struct {
	addr        string
	provisioner *plugin.Provisioner
	registry    *plugin.Registry
	catalog     *catalog.Catalog
	dispatcher  *dispatch.Dispatcher
	logger      *slog.Logger
	server      *http.Server
}

// New creates the API server.
func New(addr string, provisioner *plugin.Provisioner, registry *plugin.Registry,
	cat *catalog.Catalog, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Server {
	return &Server{
		addr:        addr,
		provisioner: provisioner,
		registry:    registry,
		catalog:     cat,
		dispatcher:  dispatcher,
		logger:      logger.With("component", "api"),
	}
}

// Handler builds the routing table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/plugins", s.handlePluginAdd)
	mux.HandleFunc("GET /v1/plugins", s.handlePluginList)
	mux.HandleFunc("GET /v1/plugins/{name}", s.handlePluginGet)
	mux.HandleFunc("DELETE /v1/plugins/{name}", s.handlePluginRemove)

	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("POST /v1/tools/call", s.handleToolCall)

	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),

		ReadTimeout: 30 * time.Second,
		// Long enough for a pull plus discovery on plugin add.
		WriteTimeout: 10 * time.Minute,
	}

	s.logger.Info("starting API server", "addr", s.addr)

	err := s.server.ListenAndServe()
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}

	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handlePluginAdd(w http.ResponseWriter, r *http.Request) {
	var req addPluginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.Name == "" || req.Image == "" {
		s.errorResponse(w, http.StatusBadRequest, "name and image are required")

		return
	}

	snap, err := s.provisioner.Provision(r.Context(), req.Name, req.Image, req.Env)
	if err != nil {
		var dup *errors.DuplicateError
		if stderrors.As(err, &dup) {
			s.errorResponse(w, http.StatusConflict, err.Error())

			return
		}

		// Pull, launch, and discovery failures all leave a Failed record
		// the client can inspect and remove.
		s.errorResponse(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusCreated, pluginJSON(snap), s.logger)
}

func (s *Server) handlePluginList(w http.ResponseWriter, r *http.Request) {
	snaps := s.registry.List()

	plugins := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		plugins = append(plugins, pluginJSON(snap))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plugins": plugins,
		"count":   len(plugins),
	}, s.logger)
}

func (s *Server) handlePluginGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, pluginJSON(snap), s.logger)
}

func (s *Server) handlePluginRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.provisioner.Remove(r.PathValue("name")); err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.List()

	writeJSON(w, http.StatusOK, map[string]any{
		"tools": entries,
		"count": len(entries),
	}, s.logger)
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")

		return
	}

	result, err := s.dispatcher.Invoke(r.Context(), req.Name, req.Arguments)
	if err != nil {
		// Wire errors and timeouts from the plugin surface verbatim.
		s.errorResponse(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, result, s.logger)
}
