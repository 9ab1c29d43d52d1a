package toolservers

import (
	"context"
	"encoding/json"

	"github.com/nexus-agents/agentgw/internal/agent"
)

// adapter wraps one registry-backed remote tool as an agent.Tool, the
// single 'call this tool' surface the Agent Instance's ToolRegistry
// expects. The remote tool object itself is never wrapped or mutated in
// place; the adapter is a plain value constructed over the registry.
type adapter struct {
	registry *Registry
	desc     toolDescriptor
}

type toolDescriptor struct {
	qualifiedName string
	description   string
	schema        json.RawMessage
}

func (a *adapter) Name() string            { return a.desc.qualifiedName }
func (a *adapter) Description() string     { return a.desc.description }
func (a *adapter) Schema() json.RawMessage { return a.desc.schema }

func (a *adapter) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	result, err := a.registry.CallTool(ctx, a.desc.qualifiedName, params)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: result.Content, Raw: result.Raw, IsError: result.IsError}, nil
}

// BuildToolRegistry constructs a fresh agent.ToolRegistry populated with
// adapters for every tool reachable through serverIDs (nil/empty means
// every registered server), the operation the Agent Manager's set_tools/
// add_tool_server/remove_tool_server/reload_for_server all reduce to.
func (r *Registry) BuildToolRegistry(serverIDs []string) *agent.ToolRegistry {
	reg := agent.NewToolRegistry()
	for _, desc := range r.ToolsFor(serverIDs) {
		reg.Register(&adapter{
			registry: r,
			desc: toolDescriptor{
				qualifiedName: desc.QualifiedName(),
				description:   desc.Description,
				schema:        desc.InputSchema,
			},
		})
	}
	return reg
}
