package httpapi

import (
	"encoding/json"
	"net/http"
)

// toolInvokeRequest is the JSON body for POST /v1/tools/invoke (spec §6):
// a direct dispatch bypassing the turn engine, for admin/debug use.
type toolInvokeRequest struct {
	Tool       string                 `json:"tool"`
	Args       map[string]interface{} `json:"args"`
	SessionKey string                 `json:"session_key"`
}

// handleToolInvoke implements POST /v1/tools/invoke.
func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	var req toolInvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "malformed JSON body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_args", "tool is required")
		return
	}

	result := s.Dispatcher.Dispatch(r.Context(), req.Tool, req.Args, req.SessionKey)
	status := http.StatusOK
	if result.IsError {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}
