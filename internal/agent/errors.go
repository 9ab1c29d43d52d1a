package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for agent runtime operations.
var (
	// ErrMaxIterations indicates the react loop exceeded its iteration cap.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrContextCancelled indicates the turn's context was cancelled.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoProvider indicates the instance has no LLM provider bound.
	ErrNoProvider = errors.New("no provider configured")
)

// ToolErrorType buckets tool failures for the executor's retry decision.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable reports whether a repeat attempt is worth making. Only
// transient transport conditions qualify; a tool that rejected its input
// will reject it again.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ClassifyToolFailure infers a ToolErrorType from an error message. Tool
// transports surface remote failures as opaque strings, so bucketing is
// necessarily textual.
func ClassifyToolFailure(text string) ToolErrorType {
	if text == "" {
		return ToolErrorUnknown
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded"):
		return ToolErrorTimeout
	case strings.Contains(lower, "connection") ||
		strings.Contains(lower, "network") ||
		strings.Contains(lower, "refused") ||
		strings.Contains(lower, "unreachable"):
		return ToolErrorNetwork
	case strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429"):
		return ToolErrorRateLimit
	case strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "permission"):
		return ToolErrorPermission
	case strings.Contains(lower, "not found"):
		return ToolErrorNotFound
	case strings.Contains(lower, "invalid") ||
		strings.Contains(lower, "validation") ||
		strings.Contains(lower, "required"):
		return ToolErrorInvalidInput
	default:
		return ToolErrorExecution
	}
}

// LoopError wraps an error from the react loop with the phase it occurred
// in, so callers can tell a prompt-assembly failure from a streaming one.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Err       error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Err)
}

func (e *LoopError) Unwrap() error { return e.Err }

// LoopPhase names the react-loop stage an error surfaced in.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseContinue     LoopPhase = "continue"
)
