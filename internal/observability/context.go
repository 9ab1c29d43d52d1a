package observability

import "context"

// Unexported key types keep these context values collision-free.
type ctxKey int

const (
	runIDKey ctxKey = iota
	sessionIDKey
	toolCallIDKey
)

// AddRunID attaches the run id to ctx for downstream log correlation.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID returns the run id attached to ctx, or "".
func GetRunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// AddSessionID attaches the session id to ctx.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// GetSessionID returns the session id attached to ctx, or "".
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// AddToolCallID attaches the tool call id to ctx.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, toolCallID)
}

// GetToolCallID returns the tool call id attached to ctx, or "".
func GetToolCallID(ctx context.Context) string {
	v, _ := ctx.Value(toolCallIDKey).(string)
	return v
}
