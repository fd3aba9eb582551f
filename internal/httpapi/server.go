// Package httpapi implements the inbound HTTP/SSE surface (spec §6): chat,
// channel-envelope inbound, session reads, tool invocation, node listing,
// scheduling, health/readiness, and admin approval decisions, grounded on
// the teacher's internal/http handler-per-concern layout and stdlib
// net/http.ServeMux pattern routing.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/serialagent/internal/agent"
	"github.com/nextlevelbuilder/serialagent/internal/bus"
	"github.com/nextlevelbuilder/serialagent/internal/config"
	"github.com/nextlevelbuilder/serialagent/internal/node"
	"github.com/nextlevelbuilder/serialagent/internal/normalizer"
	"github.com/nextlevelbuilder/serialagent/internal/providers"
	"github.com/nextlevelbuilder/serialagent/internal/scheduler"
	"github.com/nextlevelbuilder/serialagent/internal/sessions"
	"github.com/nextlevelbuilder/serialagent/internal/tools"
	"github.com/nextlevelbuilder/serialagent/internal/transcript"
)

// ScheduleStore is the subset of internal/store/pg.ScheduleStore the admin
// endpoints need, kept as an interface so tests can stub it.
type ScheduleStore interface {
	RecentRuns(ctx context.Context, scheduleID string, limit int) ([]*scheduler.Run, error)
}

// Server wires every component into the HTTP/SSE surface spec §6 describes.
type Server struct {
	Config     *config.Config
	Registry   *sessions.Registry
	Transcript *transcript.Store
	Normalizer *normalizer.Normalizer
	Engine     *agent.Engine
	Dispatcher *tools.Dispatcher
	Approvals  *tools.ExecApprovalManager
	Nodes      *node.Router
	Scheduler  *scheduler.Scheduler
	Runs       ScheduleStore
	Router     *providers.Router
	Events     bus.EventPublisher
	SendPolicy sessions.SendPolicy

	limiter *rate.Limiter
}

// NewServer constructs a Server, matching the teacher's NewServer(cfg, ...)
// shape.
func NewServer(cfg *config.Config) *Server {
	rps := cfg.Gateway.RateLimitRPS
	if rps <= 0 {
		rps = 20
	}
	return &Server{
		Config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), rps*2),
	}
}

// BuildMux registers every route (spec §6) on a fresh *http.ServeMux.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.withMiddleware(s.handleChat))
	mux.HandleFunc("POST /v1/chat/stream", s.withMiddleware(s.handleChatStream))
	mux.HandleFunc("POST /v1/inbound", s.withMiddleware(s.handleInbound))

	mux.HandleFunc("GET /v1/sessions", s.withMiddleware(s.handleListSessions))
	mux.HandleFunc("GET /v1/sessions/{key}", s.withMiddleware(s.handleGetSession))
	mux.HandleFunc("GET /v1/sessions/{key}/transcript", s.withMiddleware(s.handleTranscript))

	mux.HandleFunc("POST /v1/tools/invoke", s.withMiddleware(s.handleToolInvoke))

	mux.HandleFunc("GET /v1/nodes", s.withMiddleware(s.handleListNodes))
	if s.Nodes != nil {
		mux.Handle("/v1/nodes/ws", s.Nodes)
	}

	mux.HandleFunc("GET /v1/schedules", s.withMiddleware(s.handleListSchedules))
	mux.HandleFunc("POST /v1/schedules", s.withMiddleware(s.handleCreateSchedule))
	mux.HandleFunc("GET /v1/runs", s.withMiddleware(s.handleListRuns))
	mux.HandleFunc("GET /v1/runs/{id}/events", s.withMiddleware(s.handleRunEvents))

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/models/readiness", s.withMiddleware(s.handleModelsReadiness))

	mux.HandleFunc("GET /v1/approvals", s.withAdmin(s.handleListApprovals))
	mux.HandleFunc("POST /v1/approvals/{id}", s.withAdmin(s.handleDecideApproval))

	return mux
}

// Start runs the HTTP server until ctx is cancelled, then shuts the HTTP
// server down gracefully. It does not drain the Scheduler or Node Router.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Config.Gateway.Host + ":" + strconv.Itoa(s.Config.Gateway.Port)
	srv := &http.Server{Addr: addr, Handler: s.BuildMux()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("httpapi listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// withMiddleware applies bearer auth, rate limiting, and max-body-size
// enforcement (spec §5: "Inbound message size: capped") ahead of next.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "busy", "rate limit exceeded")
			return
		}
		if s.Config.Gateway.BearerToken != "" {
			if extractBearerToken(r) != s.Config.Gateway.BearerToken {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid bearer token")
				return
			}
		}
		maxBytes := int64(s.Config.Gateway.MaxInboundBytes)
		if maxBytes <= 0 {
			maxBytes = 256 * 1024
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next(w, r)
	}
}

// withAdmin gates an endpoint behind the separate admin token (spec §6:
// "admin endpoints require a separate token").
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Config.Gateway.AdminToken == "" || extractBearerToken(r) != s.Config.Gateway.AdminToken {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid admin token")
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError emits the spec §7 error-taxonomy shape: {error:{kind,message}}.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": kind, "message": message},
	})
}

