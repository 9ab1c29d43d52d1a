// Package config loads and hot-reloads the deployment configuration:
// Agent Manager capacity/TTL, Session/Presence TTLs, Permission
// Coordinator timeouts, Streaming Coordinator bounds, the LLM provider
// table, and tool risk defaults. Files are YAML; an fsnotify watch loop
// re-parses and hands the caller a fresh *Config on every change.
package config

import (
	"time"

	"github.com/nexus-agents/agentgw/internal/toolservers"
)

// Config is the root configuration object. Every field has a default
// applied by Defaults/Load when the YAML source omits it.
type Config struct {
	Server       ServerConfig               `yaml:"server"`
	Session      SessionConfig              `yaml:"session"`
	AgentManager AgentManagerConfig         `yaml:"agent_manager"`
	Permission   PermissionConfig           `yaml:"permission"`
	Stream       StreamConfig               `yaml:"stream"`
	LLM          LLMConfig                  `yaml:"llm"`
	Tools        ToolsConfig                `yaml:"tools"`
	History      HistoryConfig              `yaml:"history"`
	Logging      LoggingConfig              `yaml:"logging"`
	Tracing      TracingConfig              `yaml:"tracing"`
	ToolServers  []toolservers.ServerConfig `yaml:"tool_servers"`
}

// ServerConfig is the ambient HTTP listen surface for internal/transport/httpapi.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SessionConfig covers the session.* keys: the Presence Store
// descriptor TTL.
type SessionConfig struct {
	// TimeoutSeconds is the Presence Store TTL (default 3600).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// TTL returns TimeoutSeconds as a time.Duration, applying the default when
// unset or non-positive.
func (s SessionConfig) TTL() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultSessionTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// AgentManagerConfig covers the agent_manager.* keys.
type AgentManagerConfig struct {
	MaxInstances          int `yaml:"max_instances"`
	InstanceTTLSeconds    int `yaml:"instance_ttl_seconds"`
	SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
	EvictionBatchSize     int `yaml:"eviction_batch_size"`
}

// PermissionConfig covers the permission.* keys.
type PermissionConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int `yaml:"max_timeout_seconds"`
	SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
}

// StreamConfig covers the stream.* keys.
type StreamConfig struct {
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`
	HeartbeatSeconds    int `yaml:"heartbeat_seconds"`
}

// HistoryConfig covers the history.* keys plus the SQL backend
// selection the History Store needs (sessions.SQLConfig).
type HistoryConfig struct {
	MessageCacheTTLDays int    `yaml:"message_cache_ttl_days"`
	Driver              string `yaml:"driver"` // "memory", "postgres", or "sqlite"
	DSN                 string `yaml:"dsn"`
}

// ToolsConfig covers the tools.default_risk key.
type ToolsConfig struct {
	DefaultRisk string `yaml:"default_risk"`
}

// LoggingConfig is the process logging setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig covers the OpenTelemetry exporter observability.Tracer
// wraps. An empty Endpoint keeps tracing as a no-op; tracing is opt-in.
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	Endpoint       string  `yaml:"endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// Stock defaults, applied wherever the YAML source is silent.
const (
	DefaultMaxInstances           = 100
	DefaultInstanceTTLSeconds     = 3600
	DefaultSweepIntervalSeconds   = 300
	DefaultEvictionBatchSize      = 10
	DefaultSessionTimeoutSeconds  = 3600
	DefaultMessageCacheTTLDays    = 7
	DefaultPermissionTimeout      = 30
	DefaultPermissionMaxTimeout   = 300
	DefaultPermissionSweepSeconds = 30
	DefaultSubscriberQueueSize    = 100
	DefaultHeartbeatSeconds       = 30
	DefaultContextBudgetFraction  = 0.6
	DefaultHistoryMessagesMax     = 10
	DefaultToolRisk               = "medium"
)

// Defaults returns a Config with every stock default applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Session: SessionConfig{
			TimeoutSeconds: DefaultSessionTimeoutSeconds,
		},
		AgentManager: AgentManagerConfig{
			MaxInstances:         DefaultMaxInstances,
			InstanceTTLSeconds:   DefaultInstanceTTLSeconds,
			SweepIntervalSeconds: DefaultSweepIntervalSeconds,
			EvictionBatchSize:    DefaultEvictionBatchSize,
		},
		Permission: PermissionConfig{
			DefaultTimeoutSeconds: DefaultPermissionTimeout,
			MaxTimeoutSeconds:     DefaultPermissionMaxTimeout,
			SweepIntervalSeconds:  DefaultPermissionSweepSeconds,
		},
		Stream: StreamConfig{
			SubscriberQueueSize: DefaultSubscriberQueueSize,
			HeartbeatSeconds:    DefaultHeartbeatSeconds,
		},
		LLM: LLMConfig{
			ContextBudgetFraction: DefaultContextBudgetFraction,
			HistoryMessagesMax:    DefaultHistoryMessagesMax,
			Providers:             map[string]LLMProviderConfig{},
		},
		Tools: ToolsConfig{DefaultRisk: DefaultToolRisk},
		History: HistoryConfig{
			MessageCacheTTLDays: DefaultMessageCacheTTLDays,
			Driver:              "memory",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{ServiceName: "agentgw", SamplingRate: 1.0},
	}
}

// applyDefaults fills zero-valued fields of cfg with the spec defaults,
// leaving anything the YAML source set untouched.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = d.Server.ListenAddr
	}
	if cfg.Session.TimeoutSeconds <= 0 {
		cfg.Session.TimeoutSeconds = d.Session.TimeoutSeconds
	}
	if cfg.AgentManager.MaxInstances <= 0 {
		cfg.AgentManager.MaxInstances = d.AgentManager.MaxInstances
	}
	if cfg.AgentManager.InstanceTTLSeconds <= 0 {
		cfg.AgentManager.InstanceTTLSeconds = d.AgentManager.InstanceTTLSeconds
	}
	if cfg.AgentManager.SweepIntervalSeconds <= 0 {
		cfg.AgentManager.SweepIntervalSeconds = d.AgentManager.SweepIntervalSeconds
	}
	if cfg.AgentManager.EvictionBatchSize <= 0 {
		cfg.AgentManager.EvictionBatchSize = d.AgentManager.EvictionBatchSize
	}
	if cfg.Permission.DefaultTimeoutSeconds <= 0 {
		cfg.Permission.DefaultTimeoutSeconds = d.Permission.DefaultTimeoutSeconds
	}
	if cfg.Permission.MaxTimeoutSeconds <= 0 {
		cfg.Permission.MaxTimeoutSeconds = d.Permission.MaxTimeoutSeconds
	}
	if cfg.Permission.SweepIntervalSeconds <= 0 {
		cfg.Permission.SweepIntervalSeconds = d.Permission.SweepIntervalSeconds
	}
	if cfg.Stream.SubscriberQueueSize <= 0 {
		cfg.Stream.SubscriberQueueSize = d.Stream.SubscriberQueueSize
	}
	if cfg.Stream.HeartbeatSeconds <= 0 {
		cfg.Stream.HeartbeatSeconds = d.Stream.HeartbeatSeconds
	}
	if cfg.LLM.ContextBudgetFraction <= 0 {
		cfg.LLM.ContextBudgetFraction = d.LLM.ContextBudgetFraction
	}
	if cfg.LLM.HistoryMessagesMax <= 0 {
		cfg.LLM.HistoryMessagesMax = d.LLM.HistoryMessagesMax
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	if cfg.Tools.DefaultRisk == "" {
		cfg.Tools.DefaultRisk = d.Tools.DefaultRisk
	}
	if cfg.History.MessageCacheTTLDays <= 0 {
		cfg.History.MessageCacheTTLDays = d.History.MessageCacheTTLDays
	}
	if cfg.History.Driver == "" {
		cfg.History.Driver = d.History.Driver
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if cfg.Tracing.SamplingRate <= 0 {
		cfg.Tracing.SamplingRate = d.Tracing.SamplingRate
	}
}
