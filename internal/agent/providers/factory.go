package providers

import (
	"fmt"
	"os"
	"time"

	"github.com/nexus-agents/agentgw/internal/agent"
	agentconfig "github.com/nexus-agents/agentgw/internal/config"
)

// Build constructs the agent.LLMProvider named by providerName from its
// configured entry in the LLM provider table. The API key is resolved from
// the environment variable the entry names; key material never lives in
// the parsed config tree.
func Build(providerName string, cfg agentconfig.LLMProviderConfig) (agent.LLMProvider, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	switch providerName {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
		})
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	case "bedrock":
		return NewBedrockProvider(BedrockConfig{
			Region:       cfg.Region,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   time.Second,
		})
	case "google":
		return NewGoogleProvider(GoogleConfig{
			APIKey:       apiKey,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   time.Second,
		})
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", providerName)
	}
}

// BuildAll constructs every provider listed in llm.Providers, collecting
// build failures so one misconfigured provider does not prevent the
// others from serving.
func BuildAll(llm agentconfig.LLMConfig) (map[string]agent.LLMProvider, []error) {
	out := make(map[string]agent.LLMProvider, len(llm.Providers))
	var errs []error
	for name, providerCfg := range llm.Providers {
		provider, err := Build(name, providerCfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", name, err))
			continue
		}
		out[name] = provider
	}
	return out, errs
}
