package models

import "encoding/json"

// RiskLevel classifies how much latitude a tool has to cause side effects,
// and therefore whether invoking it requires explicit user consent.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolDescriptor is the catalog entry a Tool Server advertises for one of
// its tools: name, schema, and declared risk.
type ToolDescriptor struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Risk        RiskLevel       `json:"risk"`
}

// QualifiedName returns the name under which this tool is exposed to the
// LLM adapter: "<server_id>:<name>", which also doubles as the pattern
// risk overrides match against (e.g. "mcp:*").
func (d ToolDescriptor) QualifiedName() string {
	return d.ServerID + ":" + d.Name
}
