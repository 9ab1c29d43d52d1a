package config

// LLMConfig is the provider table plus the prompt-assembly keys
// (context_budget_fraction, history_messages_max). HistoryMessagesMax caps
// the history replayed into each chat turn. ContextBudgetFraction is decoded
// and defaulted but read nowhere else: the Agent Instance sizes its prompt
// budget with agent.DefaultContextBudgetFraction whatever this value is.
type LLMConfig struct {
	DefaultProvider       string                       `yaml:"default_provider"`
	ContextBudgetFraction float64                      `yaml:"context_budget_fraction"`
	HistoryMessagesMax    int                           `yaml:"history_messages_max"`
	Providers             map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig describes one entry of the LLM provider table. APIKeyEnv
// names the environment variable the key is read from; the value itself is
// never stored in the parsed config or logged; secrets stay out of the
// config tree.
type LLMProviderConfig struct {
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Region      string  `yaml:"region"`
	Streaming   bool    `yaml:"streaming"`
	Temperature float64 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
}
