package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nexus-agents/agentgw/internal/observability"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// ToolExecConfig bounds how a batch of tool calls is executed.
type ToolExecConfig struct {
	// Concurrency caps simultaneous executions within one batch.
	Concurrency int

	// PerToolTimeout is each call's individual deadline.
	PerToolTimeout time.Duration

	// MaxAttempts is how many times a transiently-failing call is tried.
	MaxAttempts int

	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
}

// DefaultToolExecConfig returns the executor defaults: 4 concurrent calls,
// 30 second per-call timeout, no retries.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
		MaxAttempts:    1,
	}
}

// ToolExecutor runs tool calls against a registry with bounded
// concurrency, per-call timeouts, and retry of transient failures.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
	tracer   *observability.Tracer
}

// NewToolExecutor builds an executor over registry. Zero config fields get
// defaults; a nil tracer disables per-call spans.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig, tracer *observability.Tracer) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &ToolExecutor{registry: registry, config: config, tracer: tracer}
}

// ToolExecResult is one call's outcome with its timing.
type ToolExecResult struct {
	Index     int
	ToolCall  models.ToolCall
	Result    models.ToolResult
	Raw       []byte
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// ExecuteConcurrently runs every call in the batch, at most
// config.Concurrency at a time, and returns results in input order.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, toolCalls []models.ToolCall) []ToolExecResult {
	results := make([]ToolExecResult, len(toolCalls))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ToolExecResult{
					Index:    idx,
					ToolCall: call,
					Result:   models.ToolResult{ToolCallID: call.ID, Content: "context canceled", IsError: true},
				}
				return
			}

			callCtx := ctx
			var span trace.Span
			if e.tracer != nil {
				callCtx, span = e.tracer.TraceToolExecution(ctx, call.Name)
				defer span.End()
			}

			startTime := time.Now()
			var result models.ToolResult
			var raw []byte
			var timedOut bool

			for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
				toolCtx, cancel := context.WithTimeout(callCtx, e.config.PerToolTimeout)
				toolCtx = observability.AddToolCallID(toolCtx, call.ID)
				result, raw, timedOut = e.executeWithTimeout(toolCtx, call)
				cancel()

				if !result.IsError {
					break
				}
				if attempt >= e.config.MaxAttempts {
					break
				}
				// Retry only failures that look transient; an input the
				// tool rejected will be rejected again.
				if !ClassifyToolFailure(result.Content).IsRetryable() {
					break
				}
				if e.config.RetryBackoff > 0 {
					select {
					case <-time.After(e.config.RetryBackoff):
					case <-ctx.Done():
						result = models.ToolResult{ToolCallID: call.ID, Content: "tool execution canceled", IsError: true}
						attempt = e.config.MaxAttempts
					}
				}
			}

			endTime := time.Now()

			if span != nil && result.IsError {
				e.tracer.RecordError(span, errors.New(result.Content))
			}

			results[idx] = ToolExecResult{
				Index:     idx,
				ToolCall:  call,
				Result:    result,
				Raw:       raw,
				StartTime: startTime,
				EndTime:   endTime,
				TimedOut:  timedOut,
			}
		}(i, tc)
	}

	wg.Wait()
	return results
}

// executeWithTimeout runs one call under its deadline. The extra boolean
// distinguishes a deadline expiry from other errors.
func (e *ToolExecutor) executeWithTimeout(ctx context.Context, call models.ToolCall) (models.ToolResult, []byte, bool) {
	type execOutcome struct {
		result *ToolResult
		err    error
	}

	outcome := make(chan execOutcome, 1)

	go func() {
		result, err := e.registry.Execute(ctx, call.Name, call.Input)
		outcome <- execOutcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		// The deadline or cancellation won; whatever the tool returns
		// later is discarded, so record that once it arrives.
		go func() {
			<-outcome
			slog.Warn(
				"tool execution completed after timeout, result discarded",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"run_id", observability.GetRunID(ctx),
				"session_id", observability.GetSessionID(ctx),
			)
		}()
		var content string
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			content = fmt.Sprintf("tool execution timed out after %v", e.config.PerToolTimeout)
		} else {
			content = "tool execution canceled"
		}
		return models.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}, nil,
			errors.Is(ctx.Err(), context.DeadlineExceeded)
	case out := <-outcome:
		if out.err != nil {
			return models.ToolResult{ToolCallID: call.ID, Content: out.err.Error(), IsError: true}, nil, false
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    out.result.Content,
			IsError:    out.result.IsError,
		}, out.result.Raw, false
	}
}
