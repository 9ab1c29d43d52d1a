package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	agentcontext "github.com/nexus-agents/agentgw/internal/agent/context"
	"github.com/nexus-agents/agentgw/internal/observability"
	"github.com/nexus-agents/agentgw/internal/sessions"
	"github.com/nexus-agents/agentgw/internal/streamhub"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// ExecState is a session's execution-context lifecycle state.
// waiting_permission holds iff at least one tool call is currently pending
// a consent decision; it is derived, not set directly by callers.
type ExecState string

const (
	ExecIdle              ExecState = "idle"
	ExecRunning           ExecState = "running"
	ExecWaitingPermission ExecState = "waiting_permission"
	ExecPaused            ExecState = "paused"
	ExecCompleted         ExecState = "completed"
	ExecError             ExecState = "error"
)

// DefaultMaxTurnHistory is how many prior messages a turn replays when the
// caller does not configure a window.
const DefaultMaxTurnHistory = 10

// DefaultContextBudgetFraction is the share of the model's declared
// context window usable for prompt assembly.
const DefaultContextBudgetFraction = 0.6

// approxCharsPerToken is the cheap token-to-char proxy used to translate
// a token budget into the packer's character budget.
const approxCharsPerToken = 4

// DefaultMaxIterations bounds the react loop so a misbehaving provider or
// tool cannot spin forever.
const DefaultMaxIterations = 25

// RiskResolver looks up the declared risk for a qualified tool name. The
// Agent Instance depends on this interface, not on internal/toolservers
// directly, so the turn loop stays decoupled from registry wiring.
type RiskResolver interface {
	RiskOf(qualifiedName string) (models.RiskLevel, bool)
}

// DefaultToolRisk applies when a RiskResolver has no entry for a tool.
const DefaultToolRisk = models.RiskMedium

// Markers fed back to the LLM in place of a tool result when a call was
// rejected or timed out, so the conversation can continue.
const rejectionMarkerRejected = "the user declined to approve this tool call"
const rejectionMarkerTimedOut = "this tool call was not approved before its permission request timed out"

// InstanceConfig binds one Agent Instance to a session, provider, model,
// and tool set. Sampling settings are carried per-binding: changing them
// flows through a fresh config, never through mutation of a live instance.
type InstanceConfig struct {
	SessionID       string
	Provider        LLMProvider
	Model           string
	SystemPrompt    string
	ContextWindow   int // model's declared context window in tokens; 0 disables budgeting
	MaxHistory      int
	MaxIterations   int
	MaxTokens       int
	Temperature     float64
	Streaming       bool
	ApprovalWaitMin time.Duration // consent-wait timeout; 0 uses DefaultApprovalTimeout
}

// BindingKey identifies everything that, if changed, forces the Agent
// Manager to recreate the instance rather than mutate it in place.
type BindingKey struct {
	ProviderName string
	Model        string
}

func (c InstanceConfig) bindingKey() BindingKey {
	name := ""
	if c.Provider != nil {
		name = c.Provider.Name()
	}
	return BindingKey{ProviderName: name, Model: c.Model}
}

// Instance runs one session's conversational turns, isolated from every
// other session's memory and execution state.
type Instance struct {
	sessionID string
	threadID  string
	cfg       InstanceConfig

	tools       *ToolRegistry
	toolExec    *ToolExecutor
	permissions *PermissionCoordinator
	risk        RiskResolver
	packer      *agentcontext.Packer
	sessionMgr  *sessions.Manager
	stream      *streamhub.Coordinator
	sink        EventSink
	log         *slog.Logger
	tracer      *observability.Tracer

	mu        sync.Mutex
	state     ExecState
	statusMsg string
	lastUsed  time.Time
	createdAt time.Time
}

// NewInstance constructs an Agent Instance bound to sessionID's thread. A
// nil tracer disables span creation for this instance's turns and tool
// calls.
func NewInstance(
	threadID string,
	cfg InstanceConfig,
	tools *ToolRegistry,
	permissions *PermissionCoordinator,
	risk RiskResolver,
	sessionMgr *sessions.Manager,
	stream *streamhub.Coordinator,
	sink EventSink,
	log *slog.Logger,
	tracer *observability.Tracer,
) *Instance {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxTurnHistory
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if log == nil {
		log = slog.Default()
	}
	maxChars := 0
	if cfg.ContextWindow > 0 {
		maxChars = int(float64(cfg.ContextWindow*approxCharsPerToken) * DefaultContextBudgetFraction)
	}
	packOpts := agentcontext.DefaultPackOptions()
	packOpts.MaxMessages = cfg.MaxHistory
	if maxChars > 0 {
		packOpts.MaxChars = maxChars
	}

	now := time.Now()
	return &Instance{
		sessionID:   cfg.SessionID,
		threadID:    threadID,
		cfg:         cfg,
		tools:       tools,
		toolExec:    NewToolExecutor(tools, DefaultToolExecConfig(), tracer),
		permissions: permissions,
		risk:        risk,
		packer:      agentcontext.NewPacker(packOpts),
		sessionMgr:  sessionMgr,
		stream:      stream,
		sink:        sink,
		log:         log,
		tracer:      tracer,
		state:       ExecIdle,
		createdAt:   now,
		lastUsed:    now,
	}
}

// BindingKey reports this instance's current provider/model binding.
func (i *Instance) BindingKey() BindingKey { return i.cfg.bindingKey() }

// LastUsed reports the time of the instance's most recent turn, for the
// Agent Manager's LRU/TTL eviction.
func (i *Instance) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

// SetTools retargets the tool set. The instance itself, and with it the
// session's memory handle, stays untouched.
func (i *Instance) SetTools(tools *ToolRegistry) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tools = tools
	i.toolExec = NewToolExecutor(tools, DefaultToolExecConfig(), i.tracer)
}

// State returns the instance's current execution-context snapshot.
func (i *Instance) State() (state ExecState, statusMsg string, updated time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state, i.statusMsg, i.lastUsed
}

// touch refreshes the instance's last-used timestamp without changing its
// state, used by the Agent Manager on an acquire cache hit.
func (i *Instance) touch() {
	i.mu.Lock()
	i.lastUsed = time.Now()
	i.mu.Unlock()
}

func (i *Instance) setState(state ExecState, statusMsg string) {
	i.mu.Lock()
	i.state = state
	i.statusMsg = statusMsg
	i.lastUsed = time.Now()
	i.mu.Unlock()
}

// supportsVision reports whether the bound model accepts image input.
func (i *Instance) supportsVision() bool {
	if i.cfg.Provider == nil {
		return false
	}
	for _, m := range i.cfg.Provider.Models() {
		if m.ID == i.cfg.Model {
			return m.SupportsVision
		}
	}
	return false
}

// RunTurn drives one conversational turn: assemble input, stream the LLM,
// dispatch tool calls through the Permission Coordinator, and persist the
// final assistant message. userMessage must already be persisted by the
// caller (the chat handler appends it before acquiring the instance);
// RunTurn only appends the assistant's reply once the turn closes.
func (i *Instance) RunTurn(ctx context.Context, userMessage *models.Message) (result *models.Message, err error) {
	runID := uuid.NewString()
	emitter := NewEventEmitter(runID, i.sink)

	var span trace.Span
	if i.tracer != nil {
		ctx, span = i.tracer.Start(ctx, "agent.run_turn", observability.SpanOptions{
			Attributes: []attribute.KeyValue{
				attribute.String("run_id", runID),
				attribute.String("session_id", i.sessionID),
			},
		})
		defer func() {
			if err != nil {
				i.tracer.RecordError(span, err)
			}
			span.End()
		}()
	}

	emitter.RunStarted(ctx)
	i.setState(ExecRunning, "assembling context")
	i.stream.Publish(i.sessionID, streamhub.Start(i.sessionID))

	history, err := i.sessionMgr.History(ctx, i.sessionID, i.cfg.MaxHistory)
	if err != nil {
		i.setState(ExecError, err.Error())
		emitter.RunError(ctx, err, true)
		return nil, &LoopError{Phase: PhaseInit, Err: err}
	}
	// The caller already persisted userMessage, so History may already
	// include it as the newest entry; Pack appends it unconditionally as
	// the incoming message, so drop it from history here to avoid
	// duplicating it in the prompt.
	history = excludeMessage(history, userMessage)

	packed, err := i.packer.Pack(history, userMessage)
	if err != nil {
		i.setState(ExecError, err.Error())
		emitter.RunError(ctx, err, true)
		return nil, &LoopError{Phase: PhaseInit, Err: err}
	}

	messages := i.toCompletionMessages(packed)
	assistantText := ""

	for iter := 0; iter < i.cfg.MaxIterations; iter++ {
		emitter.SetIter(iter)
		emitter.IterStarted(ctx)

		if i.cfg.Provider == nil {
			i.setState(ExecError, ErrNoProvider.Error())
			emitter.RunError(ctx, ErrNoProvider, false)
			return nil, &LoopError{Phase: PhaseStream, Err: ErrNoProvider}
		}

		llmCtx := ctx
		var llmSpan trace.Span
		if i.tracer != nil {
			llmCtx, llmSpan = i.tracer.TraceLLMRequest(ctx, i.cfg.Provider.Name(), i.cfg.Model)
		}

		chunks, err := i.cfg.Provider.Complete(llmCtx, &CompletionRequest{
			Model:       i.cfg.Model,
			System:      i.cfg.SystemPrompt,
			Messages:    messages,
			Tools:       i.tools.AsLLMTools(),
			MaxTokens:   i.cfg.MaxTokens,
			Temperature: i.cfg.Temperature,
			Stream:      i.cfg.Streaming,
		})
		if err != nil {
			if llmSpan != nil {
				i.tracer.RecordError(llmSpan, err)
				llmSpan.End()
			}
			i.setState(ExecError, err.Error())
			emitter.RunError(ctx, err, true)
			i.stream.Publish(i.sessionID, streamhub.ErrWithCode(llmErrorCode(err), err.Error()))
			return nil, &LoopError{Phase: PhaseStream, Err: err}
		}

		var turnText string
		var toolCalls []models.ToolCall
		var inputTokens, outputTokens int

		for chunk := range chunks {
			if chunk.Error != nil {
				if llmSpan != nil {
					i.tracer.RecordError(llmSpan, chunk.Error)
					llmSpan.End()
				}
				i.setState(ExecError, chunk.Error.Error())
				emitter.RunError(ctx, chunk.Error, true)
				i.stream.Publish(i.sessionID, streamhub.ErrWithCode(llmErrorCode(chunk.Error), chunk.Error.Error()))
				return nil, &LoopError{Phase: PhaseStream, Err: chunk.Error}
			}
			if chunk.Text != "" {
				turnText += chunk.Text
				emitter.ModelDelta(ctx, chunk.Text)
				i.stream.PublishContent(i.sessionID, chunk.Text, chunk.ToolCall != nil)
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				inputTokens = chunk.InputTokens
				outputTokens = chunk.OutputTokens
			}
		}

		if llmSpan != nil {
			llmSpan.End()
		}
		emitter.ModelCompleted(ctx, i.cfg.Provider.Name(), i.cfg.Model, inputTokens, outputTokens)
		emitter.IterFinished(ctx)
		assistantText += turnText

		if len(toolCalls) == 0 {
			break
		}

		assistantMsg := models.CompletionMsg{Role: models.RoleAssistant, Content: turnText, ToolCalls: toolCalls}
		messages = append(messages, assistantMsg)

		toolResults, err := i.dispatchToolCalls(ctx, emitter, toolCalls)
		if err != nil {
			i.setState(ExecError, err.Error())
			emitter.RunError(ctx, err, true)
			return nil, &LoopError{Phase: PhaseExecuteTools, Err: err}
		}
		messages = append(messages, models.CompletionMsg{Role: models.RoleTool, ToolResults: toolResults})

		if iter == i.cfg.MaxIterations-1 {
			i.setState(ExecError, ErrMaxIterations.Error())
			emitter.RunError(ctx, ErrMaxIterations, false)
			return nil, &LoopError{Phase: PhaseContinue, Err: ErrMaxIterations}
		}
	}

	final := &models.Message{
		SessionID: i.sessionID,
		Role:      models.RoleAssistant,
		Content:   assistantText,
		CreatedAt: time.Now(),
	}
	if err := i.sessionMgr.AppendMessage(ctx, i.sessionID, final); err != nil {
		i.log.Warn("failed to persist assistant message", "session_id", i.sessionID, "error", err)
	}

	i.setState(ExecCompleted, "")
	emitter.RunFinished(ctx, nil)
	i.stream.Publish(i.sessionID, streamhub.End(i.sessionID))
	return final, nil
}

// dispatchToolCalls runs the per-call tool protocol for every call the LLM
// requested in one iteration. Gating (risk classification and, for
// medium/high risk calls, the consent wait) runs concurrently across the
// whole batch: the LLM may emit several calls at once, and one call's
// multi-minute consent wait must not delay another call's pending record
// and permission prompt. Calls that clear gating are then executed as one
// concurrency-bounded batch via the Tool Executor.
func (i *Instance) dispatchToolCalls(ctx context.Context, emitter *EventEmitter, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, len(calls))
	gates := make([]toolGate, len(calls))

	var wg sync.WaitGroup
	for idx, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			gates[idx] = i.gateOne(ctx, emitter, call)
		}(idx, call)
	}
	wg.Wait()

	var toRun []models.ToolCall
	var toRunIdx []int
	for idx := range calls {
		if gates[idx].execute {
			toRun = append(toRun, calls[idx])
			toRunIdx = append(toRunIdx, idx)
		} else {
			results[idx] = *gates[idx].result
		}
	}
	if len(toRun) == 0 {
		return results, nil
	}

	for _, idx := range toRunIdx {
		call := calls[idx]
		i.stream.Publish(i.sessionID, streamhub.ToolExecStatus(gates[idx].requestID, call.Name, streamhub.ToolExecuting, nil, ""))
	}

	execResults := i.toolExec.ExecuteConcurrently(ctx, toRun)
	for j, er := range execResults {
		idx := toRunIdx[j]
		call := calls[idx]
		requestID := gates[idx].requestID
		elapsed := er.EndTime.Sub(er.StartTime)

		emitter.ToolFinished(ctx, call.ID, call.Name, !er.Result.IsError, []byte(er.Result.Content), elapsed)
		if er.Result.IsError {
			i.stream.Publish(i.sessionID, streamhub.ToolExecStatus(requestID, call.Name, streamhub.ToolFailed, nil, er.Result.Content))
		} else {
			payload := json.RawMessage(er.Raw)
			if len(payload) == 0 {
				payload, _ = json.Marshal(er.Result.Content)
			}
			i.stream.Publish(i.sessionID, streamhub.ToolExecStatus(requestID, call.Name, streamhub.ToolCompleted, payload, ""))
		}
		results[idx] = models.ToolResult{ToolCallID: call.ID, Content: er.Result.Content, IsError: er.Result.IsError}
	}

	return results, nil
}

// toolGate is one call's outcome from the consent protocol: either it is
// cleared for execution under requestID (the pending execution's id, or
// the call's own id when auto-approved and no pending record was ever
// created), or it already reached a terminal result (rejected, expired,
// or cancelled) without running.
type toolGate struct {
	execute   bool
	requestID string
	result    *models.ToolResult
}

// gateOne runs the consent step for a single call: classify risk,
// auto-approve or create a pending execution, and block (this goroutine
// only) on the human decision when one is required.
func (i *Instance) gateOne(ctx context.Context, emitter *EventEmitter, call models.ToolCall) toolGate {
	risk := i.riskFor(call.Name)

	emitter.ToolStarted(ctx, call.ID, call.Name, call.Input)

	if i.permissions == nil || i.permissions.autoApprove(risk) {
		return toolGate{execute: true, requestID: call.ID}
	}

	req, approved := i.permissions.RequestApproval(i.sessionID, call, risk)
	if approved {
		return toolGate{execute: true, requestID: call.ID}
	}

	i.setState(ExecWaitingPermission, fmt.Sprintf("awaiting approval for %s", call.Name))
	i.stream.Publish(i.sessionID, streamhub.PermissionRequest(req.ID, call.Name, sanitizeParams(call.Input), string(risk)))
	i.stream.Publish(i.sessionID, streamhub.ToolExecStatus(req.ID, call.Name, streamhub.ToolWaiting, nil, ""))

	waitCtx := ctx
	timeout := i.cfg.ApprovalWaitMin
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	var cancel context.CancelFunc
	waitCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	status := i.permissions.WaitForDecision(waitCtx, req.ID)
	if len(i.permissions.ListPending(i.sessionID)) == 0 {
		i.setState(ExecRunning, "")
	}

	switch status {
	case models.PendingApproved:
		return toolGate{execute: true, requestID: req.ID}

	case models.PendingRejected:
		i.stream.Publish(i.sessionID, streamhub.ToolExecStatus(req.ID, call.Name, streamhub.ToolCancelled, nil, "rejected"))
		emitter.ToolFinished(ctx, call.ID, call.Name, false, nil, 0)
		return toolGate{result: &models.ToolResult{ToolCallID: call.ID, Content: rejectionMarkerRejected, IsError: true}}

	default: // expired or cancelled
		i.stream.Publish(i.sessionID, streamhub.ToolExecStatus(req.ID, call.Name, streamhub.ToolCancelled, nil, "timeout"))
		emitter.ToolTimedOut(ctx, call.ID, call.Name, timeout)
		return toolGate{result: &models.ToolResult{ToolCallID: call.ID, Content: rejectionMarkerTimedOut, IsError: true}}
	}
}

// llmErrorCode derives the stable "llm.<sub>" code attached to a
// provider-failure error event.
func llmErrorCode(err error) string {
	return "llm." + string(ClassifyToolFailure(err.Error()))
}

func (i *Instance) riskFor(toolName string) models.RiskLevel {
	if i.risk == nil {
		return DefaultToolRisk
	}
	if risk, ok := i.risk.RiskOf(toolName); ok {
		return risk
	}
	return DefaultToolRisk
}

// maxDisplayParamLen bounds a parameter's displayed string length in the
// sanitized snapshot shown to the user.
const maxDisplayParamLen = 200

// positionalArgNames is the conventional field order used to recover names
// for positional tool arguments that arrive as a bare JSON array rather
// than an object.
var positionalArgNames = []string{"input", "query", "text", "data", "params", "parameters"}

// sanitizeParams produces a display-only parameter snapshot: named
// arguments pass through with long strings truncated; positional
// arguments are recovered into the conventional field names before the
// same truncation is applied; anything else falls back to truncating the
// raw form. The snapshot must never be reused as the actual call
// arguments.
func sanitizeParams(input json.RawMessage) json.RawMessage {
	var generic map[string]any
	if err := json.Unmarshal(input, &generic); err == nil {
		truncateStrings(generic)
		out, err := json.Marshal(generic)
		if err != nil {
			return input
		}
		return out
	}

	var positional []any
	if err := json.Unmarshal(input, &positional); err == nil {
		named := make(map[string]any, len(positional))
		for i, v := range positional {
			key := fmt.Sprintf("arg%d", i)
			if i < len(positionalArgNames) {
				key = positionalArgNames[i]
			}
			named[key] = v
		}
		truncateStrings(named)
		out, err := json.Marshal(named)
		if err != nil {
			return input
		}
		return out
	}

	if len(input) > maxDisplayParamLen {
		return json.RawMessage(fmt.Sprintf("%q", string(input[:maxDisplayParamLen])+"...[truncated]"))
	}
	return input
}

// truncateStrings caps every string value in m to maxDisplayParamLen,
// appending a visible marker.
func truncateStrings(m map[string]any) {
	for k, v := range m {
		if s, ok := v.(string); ok && len(s) > maxDisplayParamLen {
			m[k] = s[:maxDisplayParamLen] + "...[truncated]"
		}
	}
}

// excludeMessage drops incoming from history by id, so a message the
// caller already persisted before fetching history is not also packed in
// as part of the replayed window.
func excludeMessage(history []*models.Message, incoming *models.Message) []*models.Message {
	if incoming == nil || incoming.ID == "" {
		return history
	}
	out := history[:0:0]
	for _, m := range history {
		if m != nil && m.ID == incoming.ID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// toCompletionMessages converts the packed history window into adapter
// messages. Image attachments ride along only when the bound model
// declares vision support; otherwise they are dropped with a warning and
// the text goes alone.
func (i *Instance) toCompletionMessages(messages []*models.Message) []models.CompletionMsg {
	vision := i.supportsVision()
	out := make([]models.CompletionMsg, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		msg := models.CompletionMsg{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		}
		if len(m.Attachments) > 0 {
			if vision {
				msg.Attachments = m.Attachments
			} else {
				i.log.Warn("dropping attachments: model has no vision capability",
					"session_id", i.sessionID, "model", i.cfg.Model, "count", len(m.Attachments))
			}
		}
		out = append(out, msg)
	}
	return out
}
