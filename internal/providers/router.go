package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Role is the LLM use-case a routing decision is made for (glossary).
type Role string

const (
	RolePlanner    Role = "planner"
	RoleExecutor   Role = "executor"
	RoleSummarizer Role = "summarizer"
	RoleEmbedder   Role = "embedder"
)

// StartupPolicy controls behavior when no provider passes readiness.
type StartupPolicy string

const (
	StartupRequireOne  StartupPolicy = "require_one"
	StartupBestEffort  StartupPolicy = "best_effort"
)

// Target is one (provider, model) entry in a role's fallback list.
type Target struct {
	Provider string
	Model    string
}

// ErrorClass distinguishes retryable from fatal provider errors (§4.5).
type ErrorClass int

const (
	ErrorRetryable ErrorClass = iota
	ErrorFatal
)

// ClassifyError classifies an LLM call error per spec §4.5: 5xx/timeout/
// rate-limit-with-Retry-After are retryable; 4xx auth/schema are fatal.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorRetryable
	}
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		switch {
		case code == http.StatusTooManyRequests:
			return ErrorRetryable
		case code >= 500:
			return ErrorRetryable
		case code >= 400:
			return ErrorFatal
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorRetryable
	}
	return ErrorRetryable
}

// readinessState tracks whether a provider currently passes its probe.
type readinessState struct {
	ready atomic.Bool
}

// Router picks an ordered provider fallback list for a role and agent,
// skipping providers marked unready (spec §4.5).
type Router struct {
	providers map[string]Provider
	roles     map[string][]Target // role -> ordered fallback list

	mu        sync.RWMutex
	readiness map[string]*readinessState

	policy StartupPolicy
}

// NewRouter builds a Router over the given provider instances and role
// fallback table (agent-level role_to_model overrides are merged by the
// caller before construction, since role tables are per-agent).
func NewRouter(provs map[string]Provider, roles map[string][]Target, policy StartupPolicy) *Router {
	r := &Router{
		providers: provs,
		roles:     roles,
		readiness: make(map[string]*readinessState),
		policy:    policy,
	}
	for id := range provs {
		r.readiness[id] = &readinessState{}
		r.readiness[id].ready.Store(true) // optimistic until a probe says otherwise
	}
	return r
}

// SetReady updates a provider's readiness flag, as set by a background
// probe loop (e.g. a periodic lightweight health-check call).
func (r *Router) SetReady(providerID string, ready bool) {
	r.mu.RLock()
	st, ok := r.readiness[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	st.ready.Store(ready)
}

func (r *Router) isReady(providerID string) bool {
	r.mu.RLock()
	st, ok := r.readiness[providerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return st.ready.Load()
}

// Readiness returns a snapshot of every provider's current ready flag, for
// GET /v1/models/readiness.
func (r *Router) Readiness() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.readiness))
	for id, st := range r.readiness {
		out[id] = st.ready.Load()
	}
	return out
}

// ErrNoReadyProvider means every candidate for a role is unready or unknown.
var ErrNoReadyProvider = errors.New("no ready provider for role")

// Resolve returns the ordered, readiness-filtered fallback chain for role.
func (r *Router) Resolve(role string) ([]Target, error) {
	targets, ok := r.roles[role]
	if !ok || len(targets) == 0 {
		return nil, fmt.Errorf("no fallback chain configured for role %q", role)
	}
	var ready []Target
	for _, t := range targets {
		if r.isReady(t.Provider) {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return nil, ErrNoReadyProvider
	}
	return ready, nil
}

// ProviderByID returns the concrete Provider client for an id.
func (r *Router) ProviderByID(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// CheckStartupPolicy enforces require_one/best_effort (spec §4.5): returns
// an error that should abort boot under require_one with zero ready providers.
func (r *Router) CheckStartupPolicy() error {
	if r.policy != StartupRequireOne {
		return nil
	}
	for id := range r.providers {
		if r.isReady(id) {
			return nil
		}
	}
	return fmt.Errorf("startup policy require_one: zero providers passed readiness")
}

// StreamChat calls stream_chat against the fallback chain for role,
// retrying the next target on a retryable error within the same turn
// (spec §4.5: "Retryable errors trigger fallback to the next provider
// within the same turn").
func (r *Router) StreamChat(ctx context.Context, role string, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, string, error) {
	targets, err := r.Resolve(role)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, t := range targets {
		provider, ok := r.ProviderByID(t.Provider)
		if !ok {
			continue
		}
		callReq := req
		if t.Model != "" {
			callReq.Model = t.Model
		}
		resp, err := provider.ChatStream(ctx, callReq, onChunk)
		if err == nil {
			return resp, t.Provider, nil
		}
		class := ClassifyError(err)
		lastErr = err
		slog.Warn("provider call failed", "provider", t.Provider, "role", role, "retryable", class == ErrorRetryable, "err", err)
		if class == ErrorFatal {
			return nil, t.Provider, err
		}
		r.SetReady(t.Provider, false)
		go r.reprobeLater(t.Provider, provider, 30*time.Second)
	}
	return nil, "", fmt.Errorf("all providers exhausted for role %q: %w", role, lastErr)
}

// reprobeLater flips a provider back to ready after a cooldown; a real
// deployment would wire this to an active health-check instead.
func (r *Router) reprobeLater(providerID string, _ Provider, after time.Duration) {
	time.Sleep(after)
	r.SetReady(providerID, true)
}
