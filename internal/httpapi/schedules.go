package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/serialagent/internal/bus"
	"github.com/nextlevelbuilder/serialagent/internal/scheduler"
)

// handleListSchedules implements GET /v1/schedules (spec §4.6, §3 Data
// Model).
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.Scheduler.List()})
}

// createScheduleRequest is the JSON body for POST /v1/schedules.
type createScheduleRequest struct {
	CronExpr        string              `json:"cron_expr"`
	Timezone        string              `json:"timezone"`
	AgentID         string              `json:"agent_id"`
	Payload         scheduler.Payload   `json:"payload"`
	DigestMode      scheduler.DigestMode `json:"digest_mode"`
	MissedPolicy    scheduler.MissedPolicy `json:"missed_policy"`
	MaxConcurrency  int                 `json:"max_concurrency"`
	Backoff         scheduler.Backoff   `json:"backoff"`
	DeliveryTargets []string            `json:"delivery_targets"`
	Enabled         *bool               `json:"enabled"`
}

// handleCreateSchedule implements POST /v1/schedules: registers a new
// Schedule and persists it immediately so a restart resumes it (spec §4.6).
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "malformed JSON body")
		return
	}
	if req.CronExpr == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_args", "cron_expr and agent_id are required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	sch := &scheduler.Schedule{
		ID:              uuid.NewString(),
		CronExpr:        req.CronExpr,
		Timezone:        timezone,
		AgentID:         req.AgentID,
		Payload:         req.Payload,
		DigestMode:      req.DigestMode,
		MissedPolicy:    req.MissedPolicy,
		MaxConcurrency:  req.MaxConcurrency,
		Backoff:         req.Backoff,
		DeliveryTargets: req.DeliveryTargets,
		Enabled:         enabled,
	}

	if err := s.Scheduler.Add(sch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", err.Error())
		return
	}
	if s.Scheduler.Store != nil {
		if err := s.Scheduler.Store.SaveSchedule(r.Context(), sch); err != nil {
			writeError(w, http.StatusInternalServerError, "failed", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, sch)
}

// handleListRuns implements GET /v1/runs?schedule_id=&limit= (spec §3 Data
// Model: Run).
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	scheduleID := r.URL.Query().Get("schedule_id")
	if scheduleID == "" {
		writeError(w, http.StatusBadRequest, "invalid_args", "schedule_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if s.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "run history requires a configured database")
		return
	}
	runs, err := s.Runs.RecentRuns(r.Context(), scheduleID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunEvents implements GET /v1/runs/{id}/events: an SSE stream of
// gateway events (spec §4.6 observability), filtered to the given id by
// the client. Subscribes to the process-wide event bus for the life of the
// connection.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeError(w, http.StatusNotImplemented, "failed", "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "failed", "streaming unsupported")
		return
	}

	id := r.PathValue("id")
	subID := "sse:" + id + ":" + uuid.NewString()
	ch := make(chan bus.Event, 16)
	s.Events.Subscribe(subID, func(ev bus.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer s.Events.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("event: " + ev.Name + "\ndata: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
