// Package toolservers implements the Tool Server Registry: the set of
// declared remote tool servers and the derived flat tool catalog, with a
// per-tool risk lookup the Tool Adapter consults before gating a call on
// consent.
//
// The registry keeps an id-keyed server map with a cached per-server tool
// catalog; the Transport interface splits a stdio (local command) from an
// HTTP (remote url) connection mode.
package toolservers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TransportKind selects how a registered server is reached.
type TransportKind string

const (
	TransportRemote TransportKind = "remote"
	TransportLocal  TransportKind = "local"
)

// ServerConfig describes one tool server to register. Exactly one of
// {Command, URL} must be set; register rejects anything else.
type ServerConfig struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	Risk    string            `yaml:"default_risk" json:"default_risk,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`

	// Remote transport.
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// Local transport.
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// RiskOverrides maps an exact or wildcard tool-name pattern
	// ("<server_id>:*", "*suffix") to a risk level, taking precedence over
	// whatever risk the server itself declares for a tool.
	RiskOverrides map[string]string `yaml:"risk_overrides" json:"risk_overrides,omitempty"`
}

// Transport reaches to a remote or local tool server: lists its tools and
// invokes one by name.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	ListTools(ctx context.Context) ([]RemoteTool, error)
	CallTool(ctx context.Context, name string, input json.RawMessage) (*CallResult, error)
}

// RemoteTool is one entry of a server's advertised tool catalog, before the
// registry qualifies its name and resolves its risk.
type RemoteTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`

	// Risk is the risk level the server itself declares for this tool,
	// if any. Overrides in the server's config still win.
	Risk string `json:"risk,omitempty"`
}

// CallResult is a tool server's response to a CallTool invocation:
// Content is shaped for the LLM, Raw preserves the untouched payload for
// event emission.
type CallResult struct {
	Content string
	Raw     json.RawMessage
	IsError bool
}

func (c ServerConfig) validate() error {
	if c.ID == "" {
		return errors.New("toolservers: server id is required")
	}
	hasRemote := c.URL != ""
	hasLocal := c.Command != ""
	if hasRemote == hasLocal {
		return fmt.Errorf("toolservers: server %q must set exactly one of url or command", c.ID)
	}
	return nil
}

func (c ServerConfig) transportKind() TransportKind {
	if c.URL != "" {
		return TransportRemote
	}
	return TransportLocal
}
