package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAgentEventJSONRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event := AgentEvent{
		Version:  1,
		Type:     AgentEventToolFinished,
		Time:     now,
		Sequence: 7,
		RunID:    "run-1",
		Tool: &ToolEventPayload{
			CallID:     "call-1",
			Name:       "search:web",
			Success:    true,
			ResultJSON: []byte(`{"hits":3}`),
			Elapsed:    250 * time.Millisecond,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded AgentEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != AgentEventToolFinished {
		t.Errorf("type = %q, want %q", decoded.Type, AgentEventToolFinished)
	}
	if decoded.Sequence != 7 {
		t.Errorf("sequence = %d, want 7", decoded.Sequence)
	}
	if decoded.Tool == nil || decoded.Tool.Name != "search:web" {
		t.Errorf("tool payload not preserved: %+v", decoded.Tool)
	}
	if !decoded.Tool.Success {
		t.Error("tool success flag lost")
	}
}

func TestErrorEventPayloadErrNotSerialized(t *testing.T) {
	payload := ErrorEventPayload{
		Message:   "provider unavailable",
		Retriable: true,
		Err:       errors.New("dial tcp: connection refused"),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["Err"]; ok {
		t.Error("Err field leaked into JSON")
	}
	if m["message"] != "provider unavailable" {
		t.Errorf("message = %v", m["message"])
	}
}

func TestRunStatsOmitsZeroFields(t *testing.T) {
	data, err := json.Marshal(RunStats{RunID: "run-2", Iters: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["tool_calls"]; ok {
		t.Error("zero tool_calls should be omitted")
	}
	if m["iters"] != float64(3) {
		t.Errorf("iters = %v, want 3", m["iters"])
	}
}

func TestThreadIDDeterministic(t *testing.T) {
	a := ThreadID("alice", "s1")
	b := ThreadID("alice", "s1")
	if a != b {
		t.Fatalf("thread id not stable: %q vs %q", a, b)
	}
	if a == ThreadID("bob", "s1") {
		t.Error("thread id must depend on user id")
	}
	if a == ThreadID("alice", "s2") {
		t.Error("thread id must depend on session id")
	}
}

func TestMessageAttachmentRoundTrip(t *testing.T) {
	msg := Message{
		ID:        "m1",
		SessionID: "s1",
		Role:      RoleUser,
		Content:   "look at this",
		Attachments: []Attachment{
			{ID: "a1", Type: "image", MimeType: "image/png", Data: "aGVsbG8="},
		},
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Attachments) != 1 || decoded.Attachments[0].Data != "aGVsbG8=" {
		t.Errorf("attachment data not preserved: %+v", decoded.Attachments)
	}
}
