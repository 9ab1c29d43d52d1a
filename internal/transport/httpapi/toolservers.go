package httpapi

import (
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-agents/agentgw/internal/toolservers"
)

func (s *Server) handleRegisterToolServer(w http.ResponseWriter, r *http.Request) {
	var cfg toolservers.ServerConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed server config")
		return
	}
	if err := s.tools.Register(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, sessionID := range s.agents.ReloadForServer(cfg.ID) {
		s.log.Debug("tool catalog changed, session retargeted", "session_id", sessionID, "server_id", cfg.ID)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"server_id": cfg.ID})
}

func (s *Server) handleUnregisterToolServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	if err := s.tools.Unregister(serverID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.agents.ReloadForServer(serverID)
	w.WriteHeader(http.StatusNoContent)
}

type toolServerSummary struct {
	ServerID string             `json:"server_id"`
	Tools    []toolCatalogEntry `json:"tools"`
}

type toolCatalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Risk        string `json:"risk"`
}

func (s *Server) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	ids := s.tools.ServerIDs()
	sort.Strings(ids)

	out := make([]toolServerSummary, 0, len(ids))
	for _, id := range ids {
		descriptors := s.tools.ToolsFor([]string{id})
		entries := make([]toolCatalogEntry, 0, len(descriptors))
		for _, d := range descriptors {
			entries = append(entries, toolCatalogEntry{
				Name:        d.Name,
				Description: d.Description,
				Risk:        string(d.Risk),
			})
		}
		out = append(out, toolServerSummary{ServerID: id, Tools: entries})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleExecuteTool runs a tool server call directly, bypassing an Agent
// Instance, for admin/debug use (the same consent rules a real turn would
// apply are the caller's responsibility here: this path is gated at the
// deployment's admin boundary, not re-implemented per request).
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	toolName := chi.URLParam(r, "toolName")

	input, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := s.tools.CallTool(r.Context(), serverID+":"+toolName, input)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
