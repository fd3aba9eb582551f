package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nextlevelbuilder/serialagent/internal/agent"
	"github.com/nextlevelbuilder/serialagent/internal/bus"
)

// chatRequest is the JSON body for POST /v1/chat and /v1/chat/stream: a
// direct agent turn bypassing channel-envelope normalization.
type chatRequest struct {
	AgentID string           `json:"agent_id"`
	PeerID  string           `json:"peer_id"`
	Text    string           `json:"text"`
	ChatID  string           `json:"chat_id,omitempty"`
	Delivery bus.DeliveryCaps `json:"delivery,omitempty"`
}

func (s *Server) acquireAndRun(w http.ResponseWriter, r *http.Request, req chatRequest) (<-chan agent.TurnEvent, func(), bool) {
	if req.AgentID == "" || req.PeerID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_args", "agent_id, peer_id, and text are required")
		return nil, nil, false
	}

	key := sessionKeyForDirect(s.Config, req.AgentID, req.PeerID, req.ChatID)
	lease, err := s.Registry.AcquireTurn(key, req.AgentID, "api")
	if err != nil {
		writeError(w, http.StatusTooManyRequests, "busy", "session turn already in progress")
		return nil, nil, false
	}

	turnReq := bus.TurnRequest{
		AgentID:      req.AgentID,
		PeerID:       req.PeerID,
		ChatID:       req.ChatID,
		ChatType:     bus.ChatDirect,
		Text:         req.Text,
		DeliveryCaps: req.Delivery,
	}
	events := s.Engine.RunTurn(r.Context(), lease, turnReq)
	return events, lease.Release, true
}

// handleChat implements POST /v1/chat: runs one turn and returns the final
// text as JSON (non-streaming).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "malformed JSON body")
		return
	}

	events, release, ok := s.acquireAndRun(w, r, req)
	if !ok {
		return
	}
	defer release()

	var final string
	var usage map[string]int
	for ev := range events {
		switch ev.Kind {
		case agent.EventFinal:
			final = ev.Content
		case agent.EventUsage:
			if ev.Usage != nil {
				usage = map[string]int{"input_tokens": ev.Usage.PromptTokens, "output_tokens": ev.Usage.CompletionTokens}
			}
		}
	}

	actions := agent.SplitReply(final, req.Delivery, req.ChatID, "", "", "markdown")
	writeJSON(w, http.StatusOK, map[string]any{
		"text":    final,
		"actions": actions,
		"usage":   usage,
	})
}

// handleChatStream implements POST /v1/chat/stream: the same turn, streamed
// over Server-Sent Events, one `data:` line per TurnEvent.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "malformed JSON body")
		return
	}

	events, release, ok := s.acquireAndRun(w, r, req)
	if !ok {
		return
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "failed", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", ev.Kind, data)
			bw.Flush()
			flusher.Flush()
		}
	}
}

// handleInbound implements POST /v1/inbound (spec §6): the channel-envelope
// entry point, implementing bus.InboundSink semantics inline.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var env bus.InboundEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "malformed JSON body")
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = "default"
	}

	req, err := s.Normalizer.Normalize(env, agentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", err.Error())
		return
	}

	if s.Normalizer.CheckDedup(req.EventID) {
		writeJSON(w, http.StatusOK, bus.InboundResponse{
			Accepted: true, Deduped: true, Actions: []bus.Action{}, Policy: "deduped",
		})
		return
	}

	if policy, allowed := s.SendPolicy.Evaluate(req.Channel, req.GroupID); !allowed {
		writeJSON(w, http.StatusOK, bus.InboundResponse{Accepted: true, Actions: []bus.Action{}, Policy: policy})
		return
	}

	key := sessionKeyFor(s.Config, req)
	lease, err := s.Registry.AcquireTurn(key, agentID, req.Channel)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, "busy", "session turn already in progress")
		return
	}
	defer lease.Release()

	var final string
	var usage bus.Telemetry
	for ev := range s.Engine.RunTurn(r.Context(), lease, req) {
		switch ev.Kind {
		case agent.EventFinal:
			final = ev.Content
		case agent.EventUsage:
			if ev.Usage != nil {
				usage.InputTokens += ev.Usage.PromptTokens
				usage.OutputTokens += ev.Usage.CompletionTokens
			}
		}
	}

	actions := agent.SplitReply(final, req.DeliveryCaps, req.ChatID, req.ThreadID, req.ReplyTo, "markdown")
	writeJSON(w, http.StatusOK, bus.InboundResponse{
		Accepted:   true,
		SessionKey: key,
		SessionID:  lease.Session().ID,
		Actions:    actions,
		Telemetry:  usage,
	})
}
