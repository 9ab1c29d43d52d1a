package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// EventEmitter stamps and dispatches one run's lifecycle events. Every
// event carries the run id and a monotonic sequence number, so a sink can
// restore emission order even when tool goroutines emit concurrently.
type EventEmitter struct {
	runID    string
	sequence uint64

	iterIndex int

	sink EventSink
}

// NewEventEmitter creates an emitter for one run. A nil sink is replaced
// with NopSink.
func NewEventEmitter(runID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{runID: runID, sink: sink}
}

// SetIter records the current loop iteration; subsequent events carry it.
func (e *EventEmitter) SetIter(iterIndex int) {
	e.iterIndex = iterIndex
}

func (e *EventEmitter) base(eventType models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{
		Version:   1,
		Type:      eventType,
		Time:      time.Now(),
		Sequence:  atomic.AddUint64(&e.sequence, 1),
		RunID:     e.runID,
		IterIndex: e.iterIndex,
	}
}

func (e *EventEmitter) emit(ctx context.Context, event models.AgentEvent) {
	e.sink.Emit(ctx, event)
}

// RunStarted marks the beginning of a run.
func (e *EventEmitter) RunStarted(ctx context.Context) {
	e.emit(ctx, e.base(models.AgentEventRunStarted))
}

// RunFinished marks a successful run close, with optional accumulated stats.
func (e *EventEmitter) RunFinished(ctx context.Context, stats *models.RunStats) {
	event := e.base(models.AgentEventRunFinished)
	if stats != nil {
		event.Stats = &models.StatsEventPayload{Run: stats}
	}
	e.emit(ctx, event)
}

// RunError marks a run-terminating failure. retriable hints whether a
// repeat of the same turn could succeed.
func (e *EventEmitter) RunError(ctx context.Context, err error, retriable bool) {
	event := e.base(models.AgentEventRunError)
	event.Error = &models.ErrorEventPayload{
		Message:   err.Error(),
		Retriable: retriable,
		Err:       err,
	}
	e.emit(ctx, event)
}

// RunCancelled marks an externally cancelled run.
func (e *EventEmitter) RunCancelled(ctx context.Context) {
	event := e.base(models.AgentEventRunCancelled)
	event.Error = &models.ErrorEventPayload{
		Message:   "run cancelled",
		Retriable: true,
		Err:       ErrContextCancelled,
	}
	e.emit(ctx, event)
}

// IterStarted marks the start of one react-loop iteration.
func (e *EventEmitter) IterStarted(ctx context.Context) {
	e.emit(ctx, e.base(models.AgentEventIterStarted))
}

// IterFinished marks the end of one react-loop iteration.
func (e *EventEmitter) IterFinished(ctx context.Context) {
	e.emit(ctx, e.base(models.AgentEventIterFinished))
}

// ModelDelta carries one incremental piece of streamed assistant text.
func (e *EventEmitter) ModelDelta(ctx context.Context, delta string) {
	event := e.base(models.AgentEventModelDelta)
	event.Stream = &models.StreamEventPayload{Delta: delta}
	e.emit(ctx, event)
}

// ModelCompleted marks the end of one provider response, with token usage.
func (e *EventEmitter) ModelCompleted(ctx context.Context, provider, model string, inputTokens, outputTokens int) {
	event := e.base(models.AgentEventModelCompleted)
	event.Stream = &models.StreamEventPayload{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
	e.emit(ctx, event)
}

// ToolStarted marks a tool invocation leaving the gate and entering
// execution (or, for consent-gated calls, entering the permission wait).
func (e *EventEmitter) ToolStarted(ctx context.Context, callID, name string, argsJSON []byte) {
	event := e.base(models.AgentEventToolStarted)
	event.Tool = &models.ToolEventPayload{
		CallID:   callID,
		Name:     name,
		ArgsJSON: argsJSON,
	}
	e.emit(ctx, event)
}

// ToolFinished marks a tool invocation's terminal outcome.
func (e *EventEmitter) ToolFinished(ctx context.Context, callID, name string, success bool, resultJSON []byte, elapsed time.Duration) {
	event := e.base(models.AgentEventToolFinished)
	event.Tool = &models.ToolEventPayload{
		CallID:     callID,
		Name:       name,
		Success:    success,
		ResultJSON: resultJSON,
		Elapsed:    elapsed,
	}
	e.emit(ctx, event)
}

// ToolTimedOut marks a tool invocation abandoned at its deadline.
func (e *EventEmitter) ToolTimedOut(ctx context.Context, callID, name string, timeout time.Duration) {
	event := e.base(models.AgentEventToolTimedOut)
	event.Tool = &models.ToolEventPayload{
		CallID:  callID,
		Name:    name,
		Elapsed: timeout,
	}
	event.Error = &models.ErrorEventPayload{
		Message:   fmt.Sprintf("tool %s timed out after %v", name, timeout),
		Retriable: true,
	}
	e.emit(ctx, event)
}
