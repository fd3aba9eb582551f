package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy is returned by AcquireTurn when another turn already holds the
// session's lease (spec §4.2 acquire_turn → Busy, surfaced as HTTP 429).
var ErrBusy = errors.New("session busy")

// turnGuard is the per-session mutex-like gate: exactly one lease may be
// held at a time; a second attempt fails immediately rather than queuing
// (spec §5: "Concurrent attempts return Busy ... never queue implicitly").
type turnGuard struct {
	mu sync.Mutex
}

// Registry wraps a Manager with per-session turn serialization, matching
// spec §4.2/§5: at most one in-flight turn per session, Busy otherwise.
type Registry struct {
	manager *Manager

	guardsMu sync.Mutex
	guards   map[string]*turnGuard

	dailyResetHour int // -1 disables
	idleTimeout    time.Duration

	stop chan struct{}
}

// NewRegistry constructs a Registry over manager, with daily-reset and
// idle-timeout lifecycle rules applied by the background daemon.
func NewRegistry(manager *Manager, dailyResetHour int, idleMinutes int) *Registry {
	idle := time.Duration(idleMinutes) * time.Minute
	return &Registry{
		manager:         manager,
		guards:          make(map[string]*turnGuard),
		dailyResetHour:  dailyResetHour,
		idleTimeout:     idle,
		stop:            make(chan struct{}),
	}
}

func (r *Registry) guardFor(key string) *turnGuard {
	r.guardsMu.Lock()
	defer r.guardsMu.Unlock()
	g, ok := r.guards[key]
	if !ok {
		g = &turnGuard{}
		r.guards[key] = g
	}
	return g
}

// Lease represents a held turn lock; Release must be called exactly once.
type Lease struct {
	registry *Registry
	session  *Session
	guard    *turnGuard
}

// Session returns the underlying session record.
func (l *Lease) Session() *Session { return l.session }

// Release drops the lease, marks the session idle, and updates updated_at.
func (l *Lease) Release() {
	l.session.mu.Lock()
	l.session.Running = false
	l.session.UpdatedAt = time.Now()
	l.session.mu.Unlock()
	l.guard.mu.Unlock()
}

// AcquireTurn implements spec §4.2's acquire_turn(key): creates the session
// if absent, and either returns a held Lease or ErrBusy immediately.
func (r *Registry) AcquireTurn(key, agentID, origin string) (*Lease, error) {
	g := r.guardFor(key)

	if !g.mu.TryLock() {
		return nil, ErrBusy
	}

	s := r.manager.GetOrCreate(key, agentID, origin)
	s.mu.Lock()
	s.Running = true
	s.UpdatedAt = time.Now()
	s.mu.Unlock()

	return &Lease{registry: r, session: s, guard: g}, nil
}

// Manager exposes the underlying session store for read paths (listing,
// transcript offsets) that don't need a turn lease.
func (r *Registry) Manager() *Manager { return r.manager }

// StartLifecycleDaemon periodically applies daily_reset_hour and
// idle_minutes rules (spec §4.2). Blocks until ctx is cancelled.
func (r *Registry) StartLifecycleDaemon(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	lastResetDay := -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.applyIdleTimeout(now)
			if r.dailyResetHour >= 0 {
				if now.Hour() == r.dailyResetHour && now.Day() != lastResetDay {
					r.applyDailyReset()
					lastResetDay = now.Day()
				}
			}
		}
	}
}

func (r *Registry) applyIdleTimeout(now time.Time) {
	if r.idleTimeout <= 0 {
		return
	}
	r.manager.mu.RLock()
	keys := make([]string, 0, len(r.manager.sessions))
	for k, s := range r.manager.sessions {
		s.mu.Lock()
		idle := !s.Running && now.Sub(s.UpdatedAt) > r.idleTimeout
		s.mu.Unlock()
		if idle {
			keys = append(keys, k)
		}
	}
	r.manager.mu.RUnlock()

	for _, key := range keys {
		if _, ok := r.manager.Reset(key); ok {
			slog.Info("session idle-reset", "key", key)
		}
	}
}

func (r *Registry) applyDailyReset() {
	r.manager.mu.RLock()
	keys := make([]string, 0, len(r.manager.sessions))
	for k := range r.manager.sessions {
		keys = append(keys, k)
	}
	r.manager.mu.RUnlock()

	for _, key := range keys {
		if _, ok := r.manager.Reset(key); ok {
			slog.Info("session daily-reset", "key", key)
		}
	}
}

// Stop halts the lifecycle daemon.
func (r *Registry) Stop() { close(r.stop) }

// SendPolicy evaluates deny_groups/channel_overrides (spec §4.2).
type SendPolicy struct {
	DenyGroups       map[string]bool
	ChannelOverrides map[string]string // channel -> "allow"|"deny"
}

// NewSendPolicy builds a SendPolicy from config lists.
func NewSendPolicy(denyGroups []string, overrides map[string]string) SendPolicy {
	deny := make(map[string]bool, len(denyGroups))
	for _, g := range denyGroups {
		deny[g] = true
	}
	return SendPolicy{DenyGroups: deny, ChannelOverrides: overrides}
}

// Evaluate returns ("", true) if the send is allowed, or a policy string
// like "denied:group"/"denied:channel" if it should be suppressed.
func (p SendPolicy) Evaluate(channel, groupID string) (policy string, allowed bool) {
	if groupID != "" && p.DenyGroups[groupID] {
		return "denied:group", false
	}
	if v, ok := p.ChannelOverrides[channel]; ok && v == "deny" {
		return "denied:channel", false
	}
	return "", true
}
