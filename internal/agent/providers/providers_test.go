package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/agentgw/internal/agent"
	"github.com/nexus-agents/agentgw/pkg/models"
)

type stubTool struct {
	name   string
	schema string
}

func (t stubTool) Name() string            { return t.name }
func (t stubTool) Description() string     { return "a stub tool" }
func (t stubTool) Schema() json.RawMessage { return json.RawMessage(t.schema) }
func (t stubTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func TestClassifyErrorBuckets(t *testing.T) {
	cases := map[string]FailoverReason{
		"429 too many requests":     ReasonRateLimit,
		"context deadline exceeded": ReasonTimeout,
		"connection refused":        ReasonNetwork,
		"invalid api key":           ReasonAuth,
		"400 bad request":           ReasonBadRequest,
		"503 service unavailable":   ReasonServerError,
		"model emitted garbage":     ReasonUnknown,
	}
	for msg, want := range cases {
		require.Equal(t, want, ClassifyError(errors.New(msg)), "input %q", msg)
	}
	require.Equal(t, ReasonUnknown, ClassifyError(nil))
}

func TestClassifyErrorUnwrapsProviderError(t *testing.T) {
	inner := NewProviderError("openai", "gpt-4o", errors.New("boring")).WithStatus(429)
	wrapped := fmt.Errorf("outer: %w", inner)
	require.Equal(t, ReasonRateLimit, ClassifyError(wrapped))
	require.True(t, IsRetryable(wrapped))
}

func TestProviderErrorMessageShape(t *testing.T) {
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", errors.New("overloaded")).WithStatus(529)
	msg := err.Error()
	require.Contains(t, msg, "[anthropic/claude-sonnet-4-20250514]")
	require.Contains(t, msg, "status=529")
	require.Contains(t, msg, "overloaded")
}

func TestBaseRetryStopsOnNonRetryable(t *testing.T) {
	base := NewBaseProvider("test", 3, time.Millisecond)
	calls := 0
	err := base.Retry(context.Background(), func(error) bool { return false }, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestBaseRetryRecoversTransient(t *testing.T) {
	base := NewBaseProvider("test", 3, time.Millisecond)
	calls := 0
	err := base.Retry(context.Background(), func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestOpenAIMessageConversion(t *testing.T) {
	p := NewOpenAIProvider("test-key")
	req := &agent.CompletionRequest{
		System: "be terse",
		Messages: []models.CompletionMsg{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "srv:time", Input: json.RawMessage(`{}`)},
			}},
			{Role: models.RoleTool, ToolResults: []models.ToolResult{
				{ToolCallID: "c1", Content: "12:00"},
				{ToolCallID: "c2", Content: "13:00"},
			}},
		},
	}

	msgs := p.toChatMessages(req)
	require.Len(t, msgs, 5) // system + user + assistant + two tool results
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, "assistant", msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	require.Equal(t, "tool", msgs[3].Role)
	require.Equal(t, "c1", msgs[3].ToolCallID)
	require.Equal(t, "c2", msgs[4].ToolCallID)
}

func TestOpenAIImageAttachmentBecomesDataURL(t *testing.T) {
	parts := imageParts(models.CompletionMsg{
		Attachments: []models.Attachment{
			{Type: "image", MimeType: "image/jpeg", Data: "Zm9v"},
			{Type: "document", Data: "ignored"},
		},
	})
	require.Len(t, parts, 1)
	require.Equal(t, "data:image/jpeg;base64,Zm9v", parts[0].ImageURL.URL)
}

func TestOpenAIToolConversionDegradesBadSchema(t *testing.T) {
	tools := toOpenAITools([]agent.Tool{
		stubTool{name: "good", schema: `{"type":"object","properties":{"q":{"type":"string"}}}`},
		stubTool{name: "bad", schema: `{broken`},
	})
	require.Len(t, tools, 2)
	require.Equal(t, "good", tools[0].Function.Name)
	params, ok := tools[1].Function.Parameters.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "object", params["type"])
}

func TestAnthropicBuildParams(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k", DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	params, err := p.buildParams(&agent.CompletionRequest{
		System: "be kind",
		Messages: []models.CompletionMsg{
			{Role: models.RoleUser, Content: "hello"},
			{Role: models.RoleAssistant, Content: "calling", ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "srv:t", Input: json.RawMessage(`{"q":"x"}`)},
			}},
			{Role: models.RoleTool, ToolResults: []models.ToolResult{
				{ToolCallID: "c1", Content: "done"},
			}},
		},
		Tools: []agent.Tool{stubTool{name: "srv:t", schema: `{"type":"object"}`}},
	})
	require.NoError(t, err)
	require.Equal(t, "claude-sonnet-4-20250514", string(params.Model))
	require.EqualValues(t, 4096, params.MaxTokens)
	require.Len(t, params.Messages, 3)
	require.Len(t, params.System, 1)
	require.Len(t, params.Tools, 1)
}

func TestAnthropicRejectsMalformedToolCallInput(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)
	_, err = p.toMessageParams([]models.CompletionMsg{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "srv:t", Input: json.RawMessage(`{oops`)},
		}},
	})
	require.Error(t, err)
}

func TestParseDataURL(t *testing.T) {
	mt, data, ok := parseDataURL("data:image/png;base64,aGVsbG8=")
	require.True(t, ok)
	require.Equal(t, "image/png", mt)
	require.Equal(t, "aGVsbG8=", data)

	_, _, ok = parseDataURL("https://example.com/x.png")
	require.False(t, ok)
}

func TestBedrockMessageConversionFoldsRoles(t *testing.T) {
	msgs, err := toBedrockMessages([]models.CompletionMsg{
		{Role: models.RoleSystem, Content: "skipped"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "srv:t", Input: json.RawMessage(`{"a":1}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "out"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestBedrockImageFormat(t *testing.T) {
	_, ok := bedrockImageFormat("image/tiff")
	require.False(t, ok)
	f, ok := bedrockImageFormat("image/jpeg")
	require.True(t, ok)
	require.EqualValues(t, "jpeg", f)
}

func TestGeminiSchemaConversionRecurses(t *testing.T) {
	schema := toGeminiSchema(map[string]any{
		"type":        "object",
		"description": "query input",
		"properties": map[string]any{
			"q":    map[string]any{"type": "string", "enum": []any{"a", "b"}},
			"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"q"},
	})
	require.EqualValues(t, "OBJECT", schema.Type)
	require.Equal(t, []string{"q"}, schema.Required)
	require.Equal(t, []string{"a", "b"}, schema.Properties["q"].Enum)
	require.EqualValues(t, "STRING", schema.Properties["tags"].Items.Type)
}

func TestGeminiToolNameRecovery(t *testing.T) {
	messages := []models.CompletionMsg{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "abc-1", Name: "srv:lookup"},
		}},
	}
	require.Equal(t, "srv:lookup", toolNameForCallID("abc-1", messages))
	require.Equal(t, "srv:lookup", toolNameForCallID("srv:lookup-42", nil))
}

func TestCountTokensRoughEstimate(t *testing.T) {
	p := NewOpenAIProvider("k")
	require.Equal(t, 3, p.CountTokens("gpt-4o", "twelve chars"))
	require.Equal(t, 0, p.CountTokens("gpt-4o", ""))
}
