package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRedactingWriterScrubsSecrets(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactingWriter(&buf)

	line := `api_key="sk-abcdefghijklmnop" password=topsecret123 bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0`
	n, err := w.Write([]byte(line))
	require.NoError(t, err)
	require.Equal(t, len(line), n, "reported length must match input")

	out := buf.String()
	require.NotContains(t, out, "sk-abcdefghijklmnop")
	require.NotContains(t, out, "topsecret123")
	require.Contains(t, out, "[REDACTED]")
}

func TestRedactingWriterPassesPlainText(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactingWriter(&buf)
	_, err := w.Write([]byte("session s1 started for alice"))
	require.NoError(t, err)
	require.Equal(t, "session s1 started for alice", buf.String())
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "verbose"}, &bytes.Buffer{})
	require.Error(t, err)
	_, err = NewLogger(LogConfig{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestNewLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hello", "session_id", "s1")
	out := buf.String()
	require.Contains(t, out, `"msg":"hello"`)
	require.Contains(t, out, `"session_id":"s1"`)
}

func TestContextCorrelationKeys(t *testing.T) {
	ctx := context.Background()
	require.Empty(t, GetRunID(ctx))

	ctx = AddRunID(ctx, "run-1")
	ctx = AddSessionID(ctx, "s1")
	ctx = AddToolCallID(ctx, "c1")

	require.Equal(t, "run-1", GetRunID(ctx))
	require.Equal(t, "s1", GetSessionID(ctx))
	require.Equal(t, "c1", GetToolCallID(ctx))
}

func TestMetricsIndependentRegistries(t *testing.T) {
	// Two Metrics values must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()

	a.RecordError("agent", "run_error")
	a.RecordError("agent", "run_error")
	b.RecordError("agent", "run_error")

	require.Equal(t, 2.0, testutil.ToFloat64(a.errorsTotal.WithLabelValues("agent", "run_error")))
	require.Equal(t, 1.0, testutil.ToFloat64(b.errorsTotal.WithLabelValues("agent", "run_error")))
}

func TestMetricsSessionLifecycle(t *testing.T) {
	m := NewMetrics()
	m.SessionStarted("http")
	m.SessionStarted("http")
	m.SessionEnded("http", 12.5)

	require.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	require.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal.WithLabelValues("http", "started")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sessionsTotal.WithLabelValues("http", "ended")))
}

func TestMetricsToolExecution(t *testing.T) {
	m := NewMetrics()
	m.RecordToolExecution("srv:time", "completed", 0.2)
	m.RecordToolExecution("srv:time", "failed", 0)
	require.Equal(t, 1.0, testutil.ToFloat64(m.toolExecutions.WithLabelValues("srv:time", "completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.toolExecutions.WithLabelValues("srv:time", "failed")))
}

func TestNoopTracerStillCreatesSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := tracer.TraceLLMRequest(context.Background(), "anthropic", "claude-sonnet-4-20250514")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	tracer.RecordError(span, nil) // nil error is a no-op, must not panic
	span.End()

	_, toolSpan := tracer.TraceToolExecution(context.Background(), "srv:t")
	toolSpan.End()
	_, dbSpan := tracer.TraceDatabaseQuery(context.Background(), "insert", "messages")
	dbSpan.End()
	_, httpSpan := tracer.TraceHTTPRequest(context.Background(), "POST", "/v1/chat")
	httpSpan.End()
}

func TestMetricsHandlerServes(t *testing.T) {
	m := NewMetrics()
	m.RecordHTTPRequest("GET", "/v1/sessions", "200", 0.01)
	h := m.Handler()
	require.NotNil(t, h)

	families, err := m.registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "agentgw_http_requests_total") {
			found = true
		}
	}
	require.True(t, found)
}
