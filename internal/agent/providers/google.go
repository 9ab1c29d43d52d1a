package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nexus-agents/agentgw/internal/agent"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// GoogleProvider serves chat turns through the Gemini API.
type GoogleProvider struct {
	BaseProvider
	client       *genai.Client
	defaultModel string

	// idCounter disambiguates generated tool-call ids; Gemini function
	// calls arrive without one.
	idCounter uint64
	idMu      chan struct{}
}

// GoogleConfig configures the provider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewGoogleProvider builds the provider. The API key is required.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	p := &GoogleProvider{
		BaseProvider: NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
		client:       client,
		defaultModel: config.DefaultModel,
		idMu:         make(chan struct{}, 1),
	}
	p.idMu <- struct{}{}
	return p, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) SupportsTools() bool { return true }

func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000, SupportsVision: true},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000, SupportsVision: true},
	}
}

// CountTokens estimates token cost at roughly four characters per token.
func (p *GoogleProvider) CountTokens(_ string, text string) int {
	return (len(text) + 3) / 4
}

// Complete opens a streaming GenerateContent call and adapts its parts to
// the chunk contract. The stream is only retried while nothing has been
// emitted yet; a mid-stream failure after output is terminal, since
// replaying would duplicate delivered text.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents, err := p.toContents(req.Messages)
	if err != nil {
		return nil, NewProviderError("google", model, err)
	}
	config := p.buildConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		emitted := false
		err := p.Retry(ctx, func(err error) bool {
			return !emitted && IsRetryable(err)
		}, func() error {
			return p.pump(ctx, model, contents, config, chunks, &emitted)
		})
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: NewProviderError("google", model, err), Done: true}
			return
		}
		chunks <- &agent.CompletionChunk{Done: true}
	}()
	return chunks, nil
}

// pump iterates one streaming call, forwarding text and function-call
// parts. emitted flips as soon as anything is delivered downstream.
func (p *GoogleProvider) pump(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- *agent.CompletionChunk, emitted *bool) error {
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					*emitted = true
					chunks <- &agent.CompletionChunk{Text: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					*emitted = true
					chunks <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
						ID:    p.nextToolCallID(part.FunctionCall.Name),
						Name:  part.FunctionCall.Name,
						Input: argsJSON,
					}}
				}
			}
		}
	}
	return nil
}

// nextToolCallID mints a synthetic id for a Gemini function call.
func (p *GoogleProvider) nextToolCallID(name string) string {
	<-p.idMu
	p.idCounter++
	n := p.idCounter
	p.idMu <- struct{}{}
	return fmt.Sprintf("%s-%d", name, n)
}

// toContents converts the conversation to Gemini contents. Tool results
// become function-response parts on the user side; the function name is
// recovered from the originating call, since Gemini addresses responses
// by name rather than call id.
func (p *GoogleProvider) toContents(messages []models.CompletionMsg) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, att := range msg.Attachments {
			if att.Type != "image" {
				continue
			}
			if part := geminiImagePart(att); part != nil {
				content.Parts = append(content.Parts, part)
			}
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCallID(tr.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

// toolNameForCallID finds the tool name behind a call id by scanning the
// conversation's assistant tool calls. Synthetic Gemini ids embed the
// name, so the prefix is the fallback.
func toolNameForCallID(callID string, messages []models.CompletionMsg) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	if idx := strings.LastIndex(callID, "-"); idx > 0 {
		return callID[:idx]
	}
	return callID
}

// geminiImagePart converts an image attachment to an inline blob (for
// base64 payloads and data URLs) or a file reference (for remote URLs).
func geminiImagePart(att models.Attachment) *genai.Part {
	mimeType := att.MimeType
	encoded := att.Data
	if encoded == "" && strings.HasPrefix(att.URL, "data:") {
		if mt, d, ok := parseDataURL(att.URL); ok {
			mimeType, encoded = mt, d
		}
	}
	if encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil
		}
		if mimeType == "" {
			mimeType = "image/png"
		}
		return &genai.Part{InlineData: &genai.Blob{Data: raw, MIMEType: mimeType}}
	}
	if att.URL != "" {
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		return &genai.Part{FileData: &genai.FileData{FileURI: att.URL, MIMEType: mimeType}}
	}
	return nil
}

// buildConfig assembles generation settings from the request.
func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		capped := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(capped)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}
	return config
}

// toGeminiTools converts the tool catalog to function declarations. Tools
// whose schema fails to parse are skipped rather than sunk.
func toGeminiTools(tools []agent.Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's typed schema,
// recursively over properties and items.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}
