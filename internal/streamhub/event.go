// Package streamhub implements the Streaming Coordinator: per-session
// ordered fan-out of agent content and tool-lifecycle events to one or
// more subscribers, with bounded drop-on-overflow queues.
//
// Events carry a monotonic per-session sequence so FIFO order survives
// concurrent producers, and delivery never blocks a producer: a slow
// subscriber loses its oldest queued events instead, with every drop
// counted.
package streamhub

import "encoding/json"

// EventType is the wire-level "type" field of one streamed event.
type EventType string

const (
	EventStart                 EventType = "start"
	EventContent               EventType = "content"
	EventToolPermissionRequest EventType = "tool_permission_request"
	EventToolExecutionStatus   EventType = "tool_execution_status"
	EventError                 EventType = "error"
	EventHeartbeat             EventType = "heartbeat"
	EventEnd                   EventType = "end"
)

// ContentPhase classifies an assistant content fragment. Classification is
// advisory: it never suppresses a fragment, only hints at how a subscriber
// may render it.
type ContentPhase string

const (
	PhaseThinking ContentPhase = "thinking"
	PhaseResponse ContentPhase = "response"
	PhaseDefault  ContentPhase = "default"
)

// ToolStatus is the lifecycle state reported by a tool_execution_status event.
type ToolStatus string

const (
	ToolWaiting   ToolStatus = "waiting"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
	ToolCancelled ToolStatus = "cancelled"
)

// Event is one entry on a session's outbound stream, matching the JSON
// shapes in the chat response and server-push channel verbatim.
type Event struct {
	Type       EventType       `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Content    string          `json:"content,omitempty"`
	Phase      ContentPhase    `json:"phase,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	RiskLevel  string          `json:"risk_level,omitempty"`
	Status     ToolStatus      `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`

	// seq is the per-session monotonic sequence number Publish stamps
	// under the hub lock, in the order events enter every subscriber's
	// queue; it is not part of the wire shape.
	seq uint64
}

func Start(sessionID string) Event { return Event{Type: EventStart, SessionID: sessionID} }
func End(sessionID string) Event   { return Event{Type: EventEnd, SessionID: sessionID} }
func Heartbeat() Event             { return Event{Type: EventHeartbeat} }

func Content(phase ContentPhase, text string) Event {
	return Event{Type: EventContent, Phase: phase, Content: text}
}

func PermissionRequest(requestID, toolName string, params json.RawMessage, risk string) Event {
	return Event{
		Type:       EventToolPermissionRequest,
		RequestID:  requestID,
		ToolName:   toolName,
		Parameters: params,
		RiskLevel:  risk,
	}
}

func ToolExecStatus(requestID, toolName string, status ToolStatus, result json.RawMessage, errMsg string) Event {
	return Event{
		Type:      EventToolExecutionStatus,
		RequestID: requestID,
		ToolName:  toolName,
		Status:    status,
		Result:    result,
		Error:     errMsg,
	}
}

func Err(message string) Event { return Event{Type: EventError, Content: message} }

// ErrWithCode is Err with a stable machine-readable code ("<category>.<sub>")
// alongside the human message.
func ErrWithCode(code, message string) Event {
	return Event{Type: EventError, Content: message, Code: code}
}
