// Package models holds the domain types shared across the agent gateway:
// sessions, messages, tool descriptors, pending tool executions, and the
// run-level event stream.
package models

import (
	"time"
)

// AgentEvent is one entry in a run's internal lifecycle stream. The stream
// feeds metrics sinks and any other in-process observer of a turn; it is
// distinct from the subscriber-facing wire events, which carry only the
// fields a client needs.
//
// Sequence is monotonic within a run, so observers can re-order events that
// crossed goroutine boundaries.
type AgentEvent struct {
	Version   int            `json:"version"`
	Type      AgentEventType `json:"type"`
	Time      time.Time      `json:"time"`
	Sequence  uint64         `json:"seq"`
	RunID     string         `json:"run_id,omitempty"`
	TurnIndex int            `json:"turn_index,omitempty"`
	IterIndex int            `json:"iter_index,omitempty"`

	// Exactly one payload is non-nil for a given Type.
	Tool   *ToolEventPayload   `json:"tool,omitempty"`
	Stream *StreamEventPayload `json:"stream,omitempty"`
	Error  *ErrorEventPayload  `json:"error,omitempty"`
	Stats  *StatsEventPayload  `json:"stats,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	AgentEventRunStarted   AgentEventType = "run.started"
	AgentEventRunFinished  AgentEventType = "run.finished"
	AgentEventRunError     AgentEventType = "run.error"
	AgentEventRunCancelled AgentEventType = "run.cancelled"
	AgentEventRunTimedOut  AgentEventType = "run.timed_out"

	AgentEventIterStarted  AgentEventType = "iter.started"
	AgentEventIterFinished AgentEventType = "iter.finished"

	AgentEventModelDelta     AgentEventType = "model.delta"
	AgentEventModelCompleted AgentEventType = "model.completed"

	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolFinished AgentEventType = "tool.finished"
	AgentEventToolTimedOut AgentEventType = "tool.timed_out"
)

// StreamEventPayload carries model streaming deltas and completion metadata.
type StreamEventPayload struct {
	// Delta is the incremental assistant text.
	Delta string `json:"delta,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Token counts; zero when the provider does not report them.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes one tool invocation's lifecycle. Args and
// result stay opaque bytes so the event model never couples to a tool's
// schema.
type ToolEventPayload struct {
	CallID   string `json:"call_id,omitempty"`
	Name     string `json:"name,omitempty"`
	ArgsJSON []byte `json:"args_json,omitempty"`

	// Populated on finished events.
	Success    bool          `json:"success,omitempty"`
	ResultJSON []byte        `json:"result_json,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// ErrorEventPayload standardizes errors on the event stream.
type ErrorEventPayload struct {
	Message string `json:"message"`

	// Code is an optional machine-readable code.
	Code string `json:"code,omitempty"`

	// Retriable indicates the operation may succeed if repeated.
	Retriable bool `json:"retriable,omitempty"`

	// Err preserves the original error for errors.Is/errors.As; it is
	// never serialized.
	Err error `json:"-"`
}

// StatsEventPayload carries accumulated run statistics.
type StatsEventPayload struct {
	Run *RunStats `json:"run,omitempty"`
}

// RunStats aggregates one run's timing, token, and reliability counters,
// derived from the event stream.
type RunStats struct {
	RunID string `json:"run_id,omitempty"`

	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	Iters int `json:"iters,omitempty"`

	ToolCalls    int           `json:"tool_calls,omitempty"`
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`
	ToolTimeouts int           `json:"tool_timeouts,omitempty"`

	ModelWallTime time.Duration `json:"model_wall_time,omitempty"`
	InputTokens   int           `json:"input_tokens,omitempty"`
	OutputTokens  int           `json:"output_tokens,omitempty"`

	Cancelled bool `json:"cancelled,omitempty"`
	TimedOut  bool `json:"timed_out,omitempty"`
	Errors    int  `json:"errors,omitempty"`
}
