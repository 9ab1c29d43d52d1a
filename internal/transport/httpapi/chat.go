package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nexus-agents/agentgw/internal/agent"
	"github.com/nexus-agents/agentgw/internal/streamhub"
	"github.com/nexus-agents/agentgw/pkg/models"
)

type attachmentInput struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type chatRequest struct {
	Content          string            `json:"content"`
	Attachments      []attachmentInput `json:"attachments,omitempty"`
	EnableTools      bool              `json:"enable_tools,omitempty"`
	ToolServerIDs    []string          `json:"tool_server_ids,omitempty"`
	ProviderOverride string            `json:"provider,omitempty"`
	ModelOverride    string            `json:"model,omitempty"`
}

// coalesceMinChars is how much assistant text accumulates before a
// content event is flushed to the wire, unless a sentence delimiter
// flushes it sooner.
const coalesceMinChars = 5

// sentenceDelimiters flush the coalescing buffer immediately so sentence
// ends reach the client without waiting for more characters.
const sentenceDelimiters = ".!?。！？\n"

// contentCoalescer batches consecutive content fragments of the same
// phase; any other event type flushes the pending buffer first so the
// wire order matches the emission order.
type contentCoalescer struct {
	buf   strings.Builder
	phase streamhub.ContentPhase
	emit  func(streamhub.Event)
}

func (c *contentCoalescer) add(e streamhub.Event) {
	if e.Type != streamhub.EventContent {
		c.flush()
		c.emit(e)
		return
	}
	if c.buf.Len() > 0 && e.Phase != c.phase {
		c.flush()
	}
	c.phase = e.Phase
	c.buf.WriteString(e.Content)
	if c.buf.Len() >= coalesceMinChars || strings.ContainsAny(e.Content, sentenceDelimiters) {
		c.flush()
	}
}

func (c *contentCoalescer) flush() {
	if c.buf.Len() == 0 {
		return
	}
	c.emit(streamhub.Content(c.phase, c.buf.String()))
	c.buf.Reset()
}

// handleChat implements the chat streaming endpoint: it appends the user's
// message, acquires (or reuses) the session's Agent Instance, runs one
// turn, and relays every event the turn publishes as one JSON object per
// line over a chunked response, exactly the wire shape of the server-push
// channel. Consecutive content fragments are coalesced until the buffer
// reaches a few characters or a sentence delimiter appears.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed chat request")
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}

	_, ok := requireSessionOwner(w, r, s.sessionMgr, sessionID)
	if !ok {
		return
	}

	providerName := req.ProviderOverride
	if providerName == "" {
		providerName = s.llm.DefaultProvider
	}
	provider, ok := s.providers[providerName]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	providerCfg := s.llm.Providers[providerName]
	model := req.ModelOverride
	if model == "" {
		model = providerCfg.Model
	}

	serverIDs := req.ToolServerIDs
	if req.EnableTools && serverIDs == nil {
		serverIDs = s.tools.ServerIDs()
	}
	if !req.EnableTools {
		serverIDs = nil
	}

	instanceCfg := agent.InstanceConfig{
		SessionID:     sessionID,
		Provider:      provider,
		Model:         model,
		MaxHistory:    s.llm.HistoryMessagesMax,
		Temperature:   providerCfg.Temperature,
		Streaming:     providerCfg.Streaming,
		ContextWindow: contextWindowFor(provider, model),
	}
	instance, err := s.agents.Acquire(r.Context(), sessionID, instanceCfg, serverIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	for _, a := range req.Attachments {
		userMsg.Attachments = append(userMsg.Attachments, models.Attachment{
			ID:       uuid.NewString(),
			Type:     a.Type,
			URL:      a.URL,
			Data:     a.Data,
			Filename: a.Filename,
			MimeType: a.MimeType,
		})
	}
	if err := s.sessionMgr.AppendMessage(r.Context(), sessionID, userMsg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub := s.stream.Subscribe(sessionID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)

	// RunTurn publishes its own start/content/end (or error) events to the
	// coordinator; closing this subscription once the turn goroutine
	// returns drains whatever is still queued and then unblocks Next with
	// ok=false, so the loop below never has to poll.
	//
	// The turn runs on a detached context: a subscriber disconnect never
	// cancels the turn. Only this handler's own read loop below is bound
	// to the request context; the turn keeps producing events (and keeps
	// any pending permission waits live) for whoever subscribes next.
	turnCtx := context.WithoutCancel(r.Context())
	go func() {
		instance.RunTurn(turnCtx, userMsg)
		sub.Close()
	}()

	enc := json.NewEncoder(bw)
	writeEvent := func(e streamhub.Event) {
		_ = enc.Encode(e)
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}
	coalescer := &contentCoalescer{emit: writeEvent}

	for {
		e, ok := sub.Next(r.Context())
		if !ok {
			break
		}
		coalescer.add(e)
	}
	coalescer.flush()
}

// contextWindowFor looks up the declared context window for model, used
// to derive the prompt-assembly budget. Unknown models budget nothing.
func contextWindowFor(provider agent.LLMProvider, model string) int {
	for _, m := range provider.Models() {
		if m.ID == model {
			return m.ContextSize
		}
	}
	return 0
}
