package agent

import (
	"context"
	"encoding/json"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// LLMProvider is the uniform call surface over heterogeneous LLM backends.
// A provider turns one prompt (history + tools + sampling settings) into a
// lazy chunk stream; everything backend-specific (wire format, auth,
// retries) stays behind this interface.
//
// Implementations must be safe for concurrent use: turns for different
// sessions call Complete simultaneously.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The
	// returned channel is closed after the terminal chunk (Done or Error).
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider id ("anthropic", "openai", ...).
	Name() string

	// Models returns the models this provider can serve, with their
	// declared context windows and vision capability.
	Models() []Model

	// SupportsTools reports whether the provider can accept a tool catalog.
	SupportsTools() bool

	// CountTokens estimates the token cost of text for the given model.
	// The estimate is best-effort and used only for prompt budgeting.
	CountTokens(model, text string) int
}

// CompletionRequest is one full prompt handed to a provider: conversation
// so far, tool catalog, and sampling settings.
type CompletionRequest struct {
	// Model selects the model id; empty means the provider default.
	Model string `json:"model"`

	// System sets the assistant's standing instructions, carried
	// separately from Messages because most provider APIs do.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []models.CompletionMsg `json:"messages"`

	// Tools is the catalog the model may call. Empty disables tool use.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens caps the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the sampling temperature; 0 uses the provider default.
	Temperature float64 `json:"temperature,omitempty"`

	// Stream selects incremental delivery. When false the provider may
	// issue a single blocking request and deliver the result as one chunk;
	// the channel contract is identical either way.
	Stream bool `json:"stream,omitempty"`
}

// CompletionChunk is one element of a provider's response stream. A chunk
// carries incremental text, a complete tool-call announcement, or the end
// marker; tool-call announcements partition the stream, and the consumer
// may answer each announcement with a tool result before the next one is
// yielded.
type CompletionChunk struct {
	// Text is an incremental piece of assistant content.
	Text string `json:"text,omitempty"`

	// ToolCall announces one fully-parsed tool invocation request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done marks the end of the response. Token counts are only
	// populated on this final chunk.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream; no further chunks follow it.
	Error error `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes one servable model and the capabilities prompt assembly
// cares about.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// ContextSize is the declared context window in tokens.
	ContextSize int `json:"context_size"`

	// SupportsVision reports whether image attachments can be sent.
	SupportsVision bool `json:"supports_vision"`
}

// Tool is the adapter-ready handle for one remote tool: catalog metadata
// for the LLM plus a single Execute entry point. Tool Server transports
// produce values implementing this; the runtime never mutates or wraps a
// remote tool object in place.
type Tool interface {
	// Name returns the qualified tool name used in LLM function calling.
	Name() string

	// Description tells the LLM what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Errors that the remote tool itself reported
	// come back as a ToolResult with IsError set, so the conversation can
	// continue; a non-nil error means the call never produced a result.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool's shaped output: Content is the string the LLM
// sees, Raw preserves the unshaped payload for event emission.
type ToolResult struct {
	Content string          `json:"content"`
	Raw     json.RawMessage `json:"raw,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}
