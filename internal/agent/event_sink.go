package agent

import (
	"context"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// EventSink receives run-lifecycle events during a turn. Implementations
// must be safe for concurrent Emit calls and must not block: a slow sink
// stalls the agent loop.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.AgentEvent) {}

// MultiSink fans one event out to several sinks in order. Nil entries are
// filtered at construction.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink builds a sink dispatching to each non-nil sink given.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink adapts a plain function to the EventSink interface.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink wraps fn as a sink. A nil fn yields a no-op sink.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}
