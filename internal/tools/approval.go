package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalPersister audits Approval Request lifecycle to durable storage
// (spec §4.7: admin decisions survive a gateway restart). Implemented by
// internal/store/pg.ApprovalStore.
type ApprovalPersister interface {
	Record(ctx context.Context, req *ApprovalRequest) error
	Decide(ctx context.Context, id string, decision ApprovalDecision, decidedBy string) error
}

// ApprovalDecision is the resolution of a parked dispatch (spec §4.7).
type ApprovalDecision string

const (
	ApprovalApprove ApprovalDecision = "approved"
	ApprovalDeny    ApprovalDecision = "denied"
	ApprovalExpired ApprovalDecision = "expired"
)

// ApprovalStatus is the lifecycle state of an Approval Request record.
type ApprovalStatus string

const (
	ApprovalPending ApprovalStatus = "pending"
)

// ApprovalRequest is the record surfaced over the admin endpoint/SSE stream
// while a tool call marked approval_required is parked.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	Tool       string           `json:"tool"`
	Args       map[string]any   `json:"args"`
	SessionKey string           `json:"session_key"`
	AgentID    string           `json:"agent_id"`
	CreatedAt  time.Time        `json:"created_at"`
	Status     ApprovalStatus   `json:"status"`
	DecidedBy  string           `json:"decided_by,omitempty"`
	DecidedAt  *time.Time       `json:"decided_at,omitempty"`

	resolve chan ApprovalDecision
}

// ExecApprovalManager parks tool dispatches requiring approval and resolves
// them on admin decision or timeout. One instance is shared process-wide.
type ExecApprovalManager struct {
	mu       sync.Mutex
	pending  map[string]*ApprovalRequest
	requireFn func(tool, command string) string // returns "allow" | "ask" | "deny"
	store    ApprovalPersister
}

// SetStore attaches a durable persister; nil disables audit persistence
// (in-memory parking still works without one).
func (m *ExecApprovalManager) SetStore(store ApprovalPersister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// NewExecApprovalManager builds a manager whose per-command policy is
// determined by requireFn (e.g. derived from an agent's approval_required
// tool list plus a denylist of unconditionally blocked commands).
func NewExecApprovalManager(requireFn func(tool, command string) string) *ExecApprovalManager {
	if requireFn == nil {
		requireFn = func(string, string) string { return "allow" }
	}
	return &ExecApprovalManager{
		pending:   make(map[string]*ApprovalRequest),
		requireFn: requireFn,
	}
}

// CheckCommand returns the policy verdict for a command prior to dispatch.
func (m *ExecApprovalManager) CheckCommand(command string) string {
	return m.requireFn("exec", command)
}

// RequestApproval parks dispatch and blocks until Decide is called for this
// request's ID or the timeout elapses, at which point the request expires.
func (m *ExecApprovalManager) RequestApproval(command, agentID, sessionKey string, timeout time.Duration) (ApprovalDecision, error) {
	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		Tool:       "exec",
		Args:       map[string]any{"command": command},
		SessionKey: sessionKey,
		AgentID:    agentID,
		CreatedAt:  time.Now(),
		Status:     ApprovalPending,
		resolve:    make(chan ApprovalDecision, 1),
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	store := m.store
	m.mu.Unlock()

	if store != nil {
		if err := store.Record(context.Background(), req); err != nil {
			return "", fmt.Errorf("persist approval request: %w", err)
		}
	}

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
	}()

	select {
	case decision := <-req.resolve:
		return decision, nil
	case <-time.After(timeout):
		return ApprovalExpired, nil
	}
}

// Decide resolves a pending Approval Request by ID, as invoked from the
// admin endpoint. Returns an error if the ID is unknown or already resolved.
func (m *ExecApprovalManager) Decide(id string, decision ApprovalDecision, decidedBy string) error {
	m.mu.Lock()
	req, ok := m.pending[id]
	store := m.store
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval request %s not found or already resolved", id)
	}
	now := time.Now()
	req.Status = ApprovalStatus(decision)
	req.DecidedBy = decidedBy
	req.DecidedAt = &now
	if store != nil {
		if err := store.Decide(context.Background(), id, decision, decidedBy); err != nil {
			return fmt.Errorf("persist approval decision: %w", err)
		}
	}
	select {
	case req.resolve <- decision:
	default:
	}
	return nil
}

// List returns all currently pending Approval Requests.
func (m *ExecApprovalManager) List() []*ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ApprovalRequest, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	return out
}
