package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexus-agents/agentgw/internal/agent"
	"github.com/nexus-agents/agentgw/internal/config"
	"github.com/nexus-agents/agentgw/internal/sessions"
	"github.com/nexus-agents/agentgw/internal/streamhub"
	"github.com/nexus-agents/agentgw/internal/toolservers"
)

// fakeProvider is a deterministic, tool-free LLMProvider stand-in: it
// streams a fixed reply in one chunk and never calls a tool, which is
// enough to exercise the chat handler's happy path without a real
// network dependency.
type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) Models() []agent.Model {
	return []agent.Model{{ID: "fake-model", Name: "Fake Model", ContextSize: 8192}}
}

func (fakeProvider) SupportsTools() bool { return false }

func (fakeProvider) CountTokens(_ string, text string) int { return (len(text) + 3) / 4 }

func (fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: "hello from the fake model"}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	presence := sessions.NewMemoryPresenceStore(time.Minute, time.Hour)
	history := sessions.NewMemoryHistoryStore()
	sessionMgr := sessions.NewManager(presence, history, nil)

	toolRegistry := toolservers.NewRegistry(nil, nil)
	permissions := agent.NewPermissionCoordinator(0, nil)
	stream := streamhub.NewCoordinator(nil, 0, 0)
	agentMgr := agent.NewManager(agent.ManagerConfig{}, toolRegistry, permissions, toolRegistry, sessionMgr, stream, agent.NewMultiSink(), nil, nil)

	llmCfg := config.LLMConfig{
		DefaultProvider:    "fake",
		HistoryMessagesMax: 10,
		Providers: map[string]config.LLMProviderConfig{
			"fake": {Model: "fake-model"},
		},
	}
	providers := map[string]agent.LLMProvider{"fake": fakeProvider{}}

	return NewServer(sessionMgr, agentMgr, toolRegistry, stream, permissions, providers, llmCfg, nil, nil, nil)
}

func createSession(t *testing.T, srv *Server, userID string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set("X-User-ID", userID)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a session id")
	}
	return resp.SessionID
}

func TestChat_HappyPathNoTools(t *testing.T) {
	srv := newTestServer(t)
	sessionID := createSession(t, srv, "alice")

	body := bytes.NewBufferString(`{"content":"Say hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/chat", body)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var sawStart, sawContent, sawEnd bool
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		var evt map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("decode stream line %q: %v", scanner.Text(), err)
		}
		switch evt["type"] {
		case "start":
			sawStart = true
		case "content":
			sawContent = true
		case "end":
			sawEnd = true
		}
	}
	if !sawStart || !sawContent || !sawEnd {
		t.Fatalf("expected start/content/end events, got body: %s", rec.Body.String())
	}

	hist, err := srv.sessionMgr.History(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected exactly one user and one assistant message persisted, got %d: %+v", len(hist), hist)
	}
	if hist[0].Role != "user" || hist[1].Role != "assistant" {
		t.Fatalf("unexpected message order/roles: %+v", hist)
	}
}

func TestChat_RejectsCrossUserSession(t *testing.T) {
	srv := newTestServer(t)
	sessionID := createSession(t, srv, "alice")

	body := bytes.NewBufferString(`{"content":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/chat", body)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-user chat, got %d: %s", rec.Code, rec.Body.String())
	}

	hist, err := srv.sessionMgr.History(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected no state mutation from the rejected cross-user chat, got %d messages", len(hist))
	}
}

func TestSessionHistory_RejectsCrossUserAccess(t *testing.T) {
	srv := newTestServer(t)
	sessionID := createSession(t, srv, "alice")

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sessionID+"/history", nil)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-user history read, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteSession_RejectsCrossUserAccess(t *testing.T) {
	srv := newTestServer(t)
	sessionID := createSession(t, srv, "alice")

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sessionID, nil)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-user delete, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := srv.sessionMgr.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected session to survive the rejected cross-user delete")
	}
}

func TestPermissionDecision_RejectsCrossUserSession(t *testing.T) {
	srv := newTestServer(t)
	sessionID := createSession(t, srv, "alice")

	body := bytes.NewBufferString(`{"approved":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/permissions/does-not-exist/decision", body)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-user decision, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSessionStats_ReportsMessageCountsAndActiveTime(t *testing.T) {
	srv := newTestServer(t)
	sessionID := createSession(t, srv, "alice")

	body := bytes.NewBufferString(`{"content":"Say hello"}`)
	chatReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/chat", body)
	chatReq.Header.Set("X-User-ID", "alice")
	srv.Routes().ServeHTTP(httptest.NewRecorder(), chatReq)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sessionID+"/stats", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionID         string  `json:"session_id"`
		MessageCount      int     `json:"message_count"`
		UserMessages      int     `json:"user_messages"`
		AssistantMessages int     `json:"assistant_messages"`
		ActiveSeconds     float64 `json:"active_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.SessionID != sessionID {
		t.Errorf("session_id = %q, want %q", resp.SessionID, sessionID)
	}
	if resp.MessageCount != 2 || resp.UserMessages != 1 || resp.AssistantMessages != 1 {
		t.Errorf("counts = %d total / %d user / %d assistant, want 2/1/1", resp.MessageCount, resp.UserMessages, resp.AssistantMessages)
	}
	if resp.ActiveSeconds < 0 {
		t.Errorf("active_seconds = %v, want >= 0", resp.ActiveSeconds)
	}
}
