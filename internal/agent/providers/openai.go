package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nexus-agents/agentgw/internal/agent"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// OpenAIProvider serves chat turns through the OpenAI API.
type OpenAIProvider struct {
	BaseProvider
	client *openai.Client
}

// NewOpenAIProvider builds the provider. An empty apiKey yields a provider
// that fails every Complete call with a configuration error rather than
// failing construction, so one missing credential doesn't take down the
// whole provider table at startup.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{BaseProvider: NewBaseProvider("openai", 3, time.Second)}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) SupportsTools() bool { return true }

func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4", Name: "GPT-4", ContextSize: 8192},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385},
	}
}

// CountTokens estimates token cost at four characters per token, the
// usual rough figure for English text through OpenAI tokenizers.
func (p *OpenAIProvider) CountTokens(_ string, text string) int {
	return (len(text) + 3) / 4
}

// Complete opens a streaming chat completion and adapts its deltas to the
// chunk contract. Tool-call argument fragments are accumulated per index
// until the API marks the call list complete.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, NewProviderError("openai", req.Model, errors.New("api key not configured"))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.toChatMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, IsRetryable, func() error {
		var openErr error
		stream, openErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return openErr
	})
	if err != nil {
		return nil, NewProviderError("openai", req.Model, err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.pump(ctx, stream, chunks)
	return chunks, nil
}

// pump drains the SDK stream into the chunk channel.
func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls arrive as argument fragments keyed by index; collect
	// until the finish reason (or EOF) says the list is complete.
	pendingCalls := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int

	flushCalls := func() {
		for idx := 0; idx < len(pendingCalls); idx++ {
			tc := pendingCalls[idx]
			if tc != nil && tc.ID != "" && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
		pendingCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushCalls()
				chunks <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
			chunks <- &agent.CompletionChunk{Error: NewProviderError("openai", "", err), Done: true}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pendingCalls[index] == nil {
				pendingCalls[index] = &models.ToolCall{}
			}
			entry := pendingCalls[index]
			if tc.ID != "" {
				entry.ID = tc.ID
			}
			if tc.Function.Name != "" {
				entry.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				entry.Input = json.RawMessage(string(entry.Input) + tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushCalls()
		}
	}
}

// toChatMessages converts the conversation into OpenAI's message shape.
// Tool results fan out to one message per result; image attachments ride
// as multi-part content.
func (p *OpenAIProvider) toChatMessages(req *agent.CompletionRequest) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, out)

		default:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			}
			if parts := imageParts(msg); len(parts) > 0 {
				out.Content = ""
				if msg.Content != "" {
					parts = append([]openai.ChatMessagePart{{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					}}, parts...)
				}
				out.MultiContent = parts
			}
			result = append(result, out)
		}
	}

	return result
}

// imageParts converts a message's image attachments to multi-part content
// entries. Inline base64 data becomes a data URL.
func imageParts(msg models.CompletionMsg) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, att := range msg.Attachments {
		if att.Type != "image" {
			continue
		}
		url := att.URL
		if url == "" && att.Data != "" {
			mime := att.MimeType
			if mime == "" {
				mime = "image/png"
			}
			url = "data:" + mime + ";base64," + att.Data
		}
		if url == "" {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

// toOpenAITools converts the tool catalog to function definitions. A
// schema that fails to parse degrades to an empty object schema so one
// malformed tool cannot sink the whole request.
func toOpenAITools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
