package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-agents/agentgw/internal/agent"
)

type decisionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type decisionResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// handlePermissionDecision implements the idempotent decision endpoint: a
// decision is scoped to both a session id and a request id, so
// a caller who does not own the session, or who names a request id that
// belongs to a different session, is rejected before Decide ever mutates
// the Pending Tool Execution. The first decision for a request id wins; a
// repeat reports the original terminal status with 410 Gone rather than
// erroring.
func (s *Server) handlePermissionDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	if _, ok := requireSessionOwner(w, r, s.sessionMgr, sessionID); !ok {
		return
	}

	pending, ok := s.permissions.Get(requestID)
	if !ok || pending.SessionID != sessionID {
		writeError(w, http.StatusNotFound, "permission request not found")
		return
	}

	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed decision body")
		return
	}

	decidedBy := userID(r)
	err := s.permissions.Decide(requestID, req.Approved, decidedBy)
	if err == nil {
		writeJSON(w, http.StatusOK, decisionResponse{RequestID: requestID, Status: "decided"})
		return
	}

	if status, ok := agent.AlreadyDecidedStatus(err); ok {
		writeJSON(w, http.StatusGone, decisionResponse{RequestID: requestID, Status: string(status)})
		return
	}

	writeError(w, http.StatusNotFound, err.Error())
}
