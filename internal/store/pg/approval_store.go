package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/serialagent/internal/tools"
)

// ApprovalStore persists Approval Request records (spec §4.7) so the admin
// decision endpoint can list and audit parked dispatches across a restart,
// even though the in-flight wait itself lives only in the process that
// parked it (tools.ExecApprovalManager).
type ApprovalStore struct {
	db *sql.DB
}

func NewApprovalStore(db *sql.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

// Record persists a newly-parked Approval Request.
func (s *ApprovalStore) Record(ctx context.Context, req *tools.ApprovalRequest) error {
	args, err := json.Marshal(req.Args)
	if err != nil {
		return fmt.Errorf("marshal approval args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, tool, args, session_key, agent_id, created_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING`,
		req.ID, req.Tool, args, req.SessionKey, req.AgentID, req.CreatedAt, req.Status)
	if err != nil {
		return fmt.Errorf("record approval request: %w", err)
	}
	return nil
}

// Decide persists the resolution of a parked Approval Request.
func (s *ApprovalStore) Decide(ctx context.Context, id string, decision tools.ApprovalDecision, decidedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = $1, decided_by = $2, decided_at = now() WHERE id = $3`,
		decision, decidedBy, id)
	if err != nil {
		return fmt.Errorf("record approval decision: %w", err)
	}
	return nil
}

// ListPending returns approval requests still awaiting a decision.
func (s *ApprovalStore) ListPending(ctx context.Context) ([]tools.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool, args, session_key, agent_id, created_at, status
		FROM approval_requests WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []tools.ApprovalRequest
	for rows.Next() {
		var rec tools.ApprovalRequest
		var args []byte
		if err := rows.Scan(&rec.ID, &rec.Tool, &args, &rec.SessionKey, &rec.AgentID, &rec.CreatedAt, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if err := json.Unmarshal(args, &rec.Args); err != nil {
			return nil, fmt.Errorf("unmarshal approval args: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
