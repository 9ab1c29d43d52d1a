package toolservers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// fakeToolServer is an httptest-backed remote tool server speaking the
// plain JSON-over-HTTP transport protocol.
func fakeToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{"name": "time", "description": "current time", "input_schema": map[string]any{"type": "object"}, "risk": "low"},
				{"name": "write_file", "description": "write a file", "input_schema": map[string]any{"type": "object"}},
			},
		})
	})
	mux.HandleFunc("/call/time", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": "12:00", "is_error": false})
	})
	mux.HandleFunc("/call/write_file", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("disk full"))
	})
	return httptest.NewServer(mux)
}

func TestRegisterProbesCatalogAndResolvesRisk(t *testing.T) {
	srv := fakeToolServer(t)
	defer srv.Close()

	var reloaded []string
	reg := NewRegistry(func(serverID string) { reloaded = append(reloaded, serverID) }, nil)
	err := reg.Register(context.Background(), ServerConfig{ID: "srv", URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, []string{"srv"}, reloaded)

	tools := reg.ToolsFor([]string{"srv"})
	require.Len(t, tools, 2)

	byName := map[string]models.ToolDescriptor{}
	for _, d := range tools {
		byName[d.Name] = d
	}
	require.Equal(t, models.RiskLow, byName["time"].Risk, "server-declared risk must be honored")
	require.Equal(t, models.RiskMedium, byName["write_file"].Risk, "missing risk defaults to medium")

	risk, ok := reg.RiskOf("srv:time")
	require.True(t, ok)
	require.Equal(t, models.RiskLow, risk)

	_, ok = reg.RiskOf("srv:nonexistent")
	require.False(t, ok)
}

func TestRiskOverridesBeatDeclaredRisk(t *testing.T) {
	srv := fakeToolServer(t)
	defer srv.Close()

	reg := NewRegistry(nil, nil)
	err := reg.Register(context.Background(), ServerConfig{
		ID:  "srv",
		URL: srv.URL,
		RiskOverrides: map[string]string{
			"srv:*":    "medium",
			"srv:time": "high",
		},
	})
	require.NoError(t, err)

	risk, _ := reg.RiskOf("srv:time")
	require.Equal(t, models.RiskHigh, risk, "specific override beats server wildcard")
	risk, _ = reg.RiskOf("srv:write_file")
	require.Equal(t, models.RiskMedium, risk)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(nil, nil)
	require.Error(t, reg.Register(context.Background(), ServerConfig{ID: ""}))
	require.Error(t, reg.Register(context.Background(), ServerConfig{ID: "x"}), "neither url nor command")
	require.Error(t, reg.Register(context.Background(), ServerConfig{ID: "x", URL: "http://h", Command: "cmd"}), "both url and command")
}

func TestCallToolShapesAndPreservesRaw(t *testing.T) {
	srv := fakeToolServer(t)
	defer srv.Close()

	reg := NewRegistry(nil, nil)
	require.NoError(t, reg.Register(context.Background(), ServerConfig{ID: "srv", URL: srv.URL}))

	result, err := reg.CallTool(context.Background(), "srv:time", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "12:00", result.Content)
	require.NotEmpty(t, result.Raw)

	failed, err := reg.CallTool(context.Background(), "srv:write_file", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, failed.IsError)
	require.Contains(t, failed.Content, "disk full")
}

func TestUnregisterEvictsAndNotifies(t *testing.T) {
	srv := fakeToolServer(t)
	defer srv.Close()

	var reloads int
	reg := NewRegistry(func(string) { reloads++ }, nil)
	require.NoError(t, reg.Register(context.Background(), ServerConfig{ID: "srv", URL: srv.URL}))
	require.NoError(t, reg.Unregister("srv"))
	require.Equal(t, 2, reloads)
	require.Empty(t, reg.ToolsFor(nil))
	require.Error(t, reg.Unregister("srv"))
}

func TestBuildToolRegistryAdaptsCatalog(t *testing.T) {
	srv := fakeToolServer(t)
	defer srv.Close()

	reg := NewRegistry(nil, nil)
	require.NoError(t, reg.Register(context.Background(), ServerConfig{ID: "srv", URL: srv.URL}))

	toolReg := reg.BuildToolRegistry(nil)
	require.Equal(t, []string{"srv:time", "srv:write_file"}, toolReg.Names())

	result, err := toolReg.Execute(context.Background(), "srv:time", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, "12:00", result.Content)
}

func TestShapeResult(t *testing.T) {
	// Typed content list concatenates textual items.
	shaped := ShapeResult(json.RawMessage(`{"content":[{"type":"text","text":"one"},{"type":"image","text":"skip"},{"type":"text","text":"two"}]}`))
	require.Equal(t, "one\ntwo", shaped)

	// success/result envelope unwraps.
	shaped = ShapeResult(json.RawMessage(`{"success":true,"result":"done"}`))
	require.Equal(t, "done", shaped)

	// Structured result stays compact JSON.
	shaped = ShapeResult(json.RawMessage(`{"success":true,"result":{"rows": 3}}`))
	require.JSONEq(t, `{"rows":3}`, shaped)

	// Anything else serializes compactly.
	shaped = ShapeResult(json.RawMessage("{\n  \"a\": 1\n}"))
	require.Equal(t, `{"a":1}`, shaped)

	// A bare string passes through unquoted.
	require.Equal(t, "plain", ShapeResult(json.RawMessage(`"plain"`)))
	require.Equal(t, "", ShapeResult(nil))
}
