package httpapi

import "net/http"

// handleListNodes implements GET /v1/nodes: the connected Node Router
// roster (spec §3 Node Record, §4.4).
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if s.Nodes == nil {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.Nodes.List()})
}
