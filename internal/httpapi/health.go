package httpapi

import "net/http"

// handleHealth implements GET /v1/health: unauthenticated liveness probe
// (spec §6: "health must not require a token, so orchestrators can probe
// it before secrets are provisioned").
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleModelsReadiness implements GET /v1/models/readiness: per-provider
// readiness flags from the LLM Router's probe state (spec §4.5).
func (s *Server) handleModelsReadiness(w http.ResponseWriter, r *http.Request) {
	if s.Router == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": map[string]bool{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.Router.Readiness()})
}
