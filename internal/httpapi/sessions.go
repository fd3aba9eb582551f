package httpapi

import (
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/serialagent/internal/transcript"
)

// handleListSessions implements GET /v1/sessions (spec §6), optionally
// filtered by ?agent_id=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	writeJSON(w, http.StatusOK, s.Registry.Manager().List(agentID))
}

// handleGetSession implements GET /v1/sessions/{key}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess, ok := s.Registry.Manager().Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown session key")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleTranscript implements GET /v1/sessions/{key}/transcript, reading the
// append-only JSONL log for the session (spec §4.4), with optional
// ?offset= and ?limit= paging.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := s.Registry.Manager().Get(key); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown session key")
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 200
	}

	entries, err := transcript.Read(s.Transcript.PathFor(key), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
