// Package server exposes the completion proxy over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/janwilmake/mcp-completions/internal/config"
	"github.com/janwilmake/mcp-completions/internal/emitter"
	"github.com/janwilmake/mcp-completions/internal/proxy"
)

// maxBodyBytes limits the size of incoming request bodies.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

// Server is the main HTTP server.
type Server struct {
	Config     *config.ServerConfig
	Engine     *proxy.Engine
	httpServer *http.Server
}

// New creates a server with all routes registered.
func New(cfg *config.ServerConfig) *Server {
	s := &Server{
		Config: cfg,
		Engine: proxy.NewEngine(cfg),
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", s.handleChatCompletions)
	mux.HandleFunc("OPTIONS /", s.handleOptions)

	return corsMiddleware(requestIDMiddleware(verboseMiddleware(s.Config, recoverMiddleware(mux))))
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		emitter.WriteError(w, http.StatusBadRequest, "Failed to read request body", "invalid_request_error")
		return
	}
	s.Engine.Completions(r.Context(), w, body, r.Header)
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
