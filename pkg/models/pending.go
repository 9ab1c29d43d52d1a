package models

import (
	"encoding/json"
	"time"
)

// PendingStatus is the state of a tool call awaiting (or past) a consent
// decision. A Pending Tool Execution moves through exactly one of the
// terminal states below, never back to pending.
type PendingStatus string

const (
	PendingAwaiting PendingStatus = "pending"
	PendingApproved PendingStatus = "approved"
	PendingRejected PendingStatus = "rejected"
	PendingExpired  PendingStatus = "expired"
	PendingCancelled PendingStatus = "cancelled"
)

// PendingToolExecution is the record the Permission Coordinator keeps for a
// single tool call that requires a risk-gated consent decision.
type PendingToolExecution struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Risk       RiskLevel       `json:"risk"`
	Input      json.RawMessage `json:"input"`
	Status     PendingStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	DecidedAt  *time.Time      `json:"decided_at,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
}

// ExecutionContext is the per-turn bundle an Agent Instance assembles
// before driving a single LLM adapter call: packed history plus the set of
// tools currently in scope for the session.
type ExecutionContext struct {
	SessionID    string           `json:"session_id"`
	RunID        string           `json:"run_id"`
	TurnIndex    int              `json:"turn_index"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []CompletionMsg  `json:"messages"`
	Tools        []ToolDescriptor `json:"tools,omitempty"`
	BudgetChars  int              `json:"budget_chars"`
	DroppedItems int              `json:"dropped_items"`
}

// CompletionMsg is the shape of a single message handed to an LLM adapter,
// kept distinct from the durable Message so the packer can carry
// tool-result truncation markers without mutating history.
type CompletionMsg struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
