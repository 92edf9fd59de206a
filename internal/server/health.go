package server

import (
	"net/http"

	"github.com/janwilmake/mcp-completions/internal/emitter"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	emitter.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
