package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/serialagent/internal/tools"
)

// handleListApprovals implements GET /v1/approvals (admin-only, spec §4.7):
// every currently-pending Approval Request.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.Approvals.List()})
}

type approvalDecisionRequest struct {
	Decision  string `json:"decision"` // "approved" | "denied"
	DecidedBy string `json:"decided_by"`
}

// handleDecideApproval implements POST /v1/approvals/{id} (admin-only,
// spec §4.7): resolves a parked dispatch.
func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req approvalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "malformed JSON body")
		return
	}

	decision := tools.ApprovalDecision(req.Decision)
	if decision != tools.ApprovalApprove && decision != tools.ApprovalDeny {
		writeError(w, http.StatusBadRequest, "invalid_args", "decision must be \"approved\" or \"denied\"")
		return
	}

	if err := s.Approvals.Decide(id, decision, req.DecidedBy); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "decision": decision})
}
