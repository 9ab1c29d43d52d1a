package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-agents/agentgw/internal/sessions"
	"github.com/nexus-agents/agentgw/pkg/models"
)

type createSessionRequest struct {
	WindowID string `json:"window_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	WindowID  string `json:"window_id"`
	ThreadID  string `json:"thread_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	var req createSessionRequest
	_ = decodeJSON(r, &req)

	session, err := s.sessionMgr.Create(r.Context(), uid, req.WindowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.SessionStarted("http")
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: session.ID,
		WindowID:  session.WindowID,
		ThreadID:  session.ThreadID,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	sessions, err := s.sessionMgr.ListUser(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, ok := requireSessionOwner(w, r, s.sessionMgr, sessionID)
	if !ok {
		return
	}
	hard := r.URL.Query().Get("hard") == "true"

	if err := s.sessionMgr.Delete(r.Context(), sessionID, !hard); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.agents.Release(sessionID)
	s.stream.Close(sessionID)
	if s.metrics != nil {
		s.metrics.SessionEnded("http", time.Since(session.CreatedAt).Seconds())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := requireSessionOwner(w, r, s.sessionMgr, sessionID); !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	messages, err := s.sessionMgr.History(r.Context(), sessionID, limit+offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if offset >= len(messages) {
		writeJSON(w, http.StatusOK, []*models.Message{})
		return
	}
	end := len(messages) - offset
	start := end - limit
	if start < 0 {
		start = 0
	}
	writeJSON(w, http.StatusOK, messages[start:end])
}

func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	substr := r.URL.Query().Get("q")
	if substr == "" {
		writeError(w, http.StatusBadRequest, "missing q")
		return
	}
	limit := queryInt(r, "limit", 50)

	messages, err := s.sessionMgr.SearchMessages(r.Context(), uid, substr, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// sessionStatsResponse is the usage summary for one session: message
// counts and active time computed from the History Store, plus — when an
// Agent Instance happens to be bound in this process — its live execution
// state, the detail operators reach for when debugging a stuck turn.
type sessionStatsResponse struct {
	*sessions.SessionStats
	Bound  bool   `json:"bound"`
	State  string `json:"state,omitempty"`
	Status string `json:"status,omitempty"`
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := requireSessionOwner(w, r, s.sessionMgr, sessionID); !ok {
		return
	}

	stats, err := s.sessionMgr.Stats(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := sessionStatsResponse{SessionStats: stats}

	if inst, ok := s.agents.Peek(sessionID); ok {
		state, statusMsg, _ := inst.State()
		resp.Bound = true
		resp.State = string(state)
		resp.Status = statusMsg
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
