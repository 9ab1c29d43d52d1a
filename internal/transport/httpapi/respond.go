package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nexus-agents/agentgw/internal/sessions"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// writeJSON marshals v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: errorCode(status)})
}

// errorCode maps a response status to the stable machine-readable code
// carried next to the human message.
func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "input.malformed"
	case http.StatusUnauthorized:
		return "auth.missing"
	case http.StatusForbidden:
		return "auth.forbidden"
	case http.StatusNotFound:
		return "input.unknown_session"
	case http.StatusGone:
		return "permission.already_decided"
	case http.StatusBadGateway:
		return "tool.transport"
	default:
		return "internal.error"
	}
}

// userID resolves the authenticated caller's user id. Verifying that
// identity is out of scope here; this is the single seam a real deployment
// wires a verified identity through.
func userID(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return r.URL.Query().Get("user_id")
}

// requireSessionOwner resolves sessionID and verifies the authenticated
// caller owns it, writing the response itself and returning ok=false when
// it does not — before any handler goes on to mutate state. A wrong owner
// is reported the same way as a missing session, so a caller cannot
// distinguish "not yours" from "doesn't exist".
func requireSessionOwner(w http.ResponseWriter, r *http.Request, sessionMgr *sessions.Manager, sessionID string) (*models.Session, bool) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return nil, false
	}
	session, err := sessionMgr.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if session == nil || session.UserID != uid {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return session, true
}
