package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-agents/agentgw/pkg/models"
)

func newTestManager() *Manager {
	return NewManager(NewMemoryPresenceStore(time.Minute, time.Hour), NewMemoryHistoryStore(), nil)
}

func TestManager_CreateDerivesThreadID(t *testing.T) {
	m := newTestManager()

	session, err := m.Create(context.Background(), "user-1", "window-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected session id to be assigned")
	}
	want := models.ThreadID("user-1", session.ID)
	if session.ThreadID != want {
		t.Errorf("ThreadID = %q, want %q", session.ThreadID, want)
	}
}

func TestManager_GetRestoresFromHistoryOnPresenceMiss(t *testing.T) {
	presence := NewMemoryPresenceStore(time.Minute, time.Hour)
	history := NewMemoryHistoryStore()
	m := NewManager(presence, history, nil)

	session, err := m.Create(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Simulate presence lapsing independently of persistence.
	presence.Remove(context.Background(), session.ID)
	if _, ok := presence.Get(context.Background(), session.ID); ok {
		t.Fatal("expected presence entry to be gone")
	}

	restored, err := m.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if restored == nil {
		t.Fatal("expected restoration from history store")
	}
	if restored.ID != session.ID {
		t.Errorf("ID = %q, want %q", restored.ID, session.ID)
	}

	if _, ok := presence.Get(context.Background(), session.ID); !ok {
		t.Error("expected presence store to be rehydrated")
	}
}

func TestManager_GetReturnsNoneForDeletedSession(t *testing.T) {
	m := newTestManager()

	session, err := m.Create(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Delete(context.Background(), session.ID, true); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := m.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Error("expected deleted session to be irrecoverable")
	}
}

func TestManager_UpdateContextMergePatches(t *testing.T) {
	m := newTestManager()

	session, err := m.Create(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := m.UpdateContext(context.Background(), session.ID, map[string]any{"a": 1}); err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}
	updated, err := m.UpdateContext(context.Background(), session.ID, map[string]any{"b": 2})
	if err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}
	if updated.Context["a"] != 1 || updated.Context["b"] != 2 {
		t.Errorf("Context = %v, want both patches merged", updated.Context)
	}
}

func TestManager_ListUserDropsStaleIDs(t *testing.T) {
	m := newTestManager()

	s1, _ := m.Create(context.Background(), "user-1", "")
	s2, _ := m.Create(context.Background(), "user-1", "")

	if err := m.Delete(context.Background(), s2.ID, false); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	list, err := m.ListUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListUser() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != s1.ID {
		t.Errorf("ListUser() = %v, want only %q", list, s1.ID)
	}
}

func TestManager_AppendMessageOrderingAndRestore(t *testing.T) {
	presence := NewMemoryPresenceStore(time.Minute, time.Hour)
	history := NewMemoryHistoryStore()
	m := NewManager(presence, history, nil)

	session, _ := m.Create(context.Background(), "user-1", "")

	if err := m.AppendMessage(context.Background(), session.ID, &models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := m.AppendMessage(context.Background(), session.ID, &models.Message{Role: models.RoleAssistant, Content: "hello"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	msgs, err := m.History(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello" {
		t.Fatalf("History() = %+v, want [hi hello]", msgs)
	}

	// Presence cache miss should still be able to rehydrate from history.
	presence.Remove(context.Background(), session.ID)
	msgs, err = m.History(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("History() after cache miss = %+v, want 2 messages", msgs)
	}
}

func TestMemoryPresenceStore_TouchExtendsTTL(t *testing.T) {
	now := time.Now()
	store := NewMemoryPresenceStore(time.Minute, time.Hour)
	store.now = func() time.Time { return now }

	store.Put(context.Background(), &models.Session{ID: "s1"})

	now = now.Add(45 * time.Second)
	if !store.Touch(context.Background(), "s1") {
		t.Fatal("expected touch to find the live entry")
	}
	now = now.Add(45 * time.Second)
	if _, ok := store.Get(context.Background(), "s1"); !ok {
		t.Fatal("expected touched entry to outlive its original TTL")
	}

	now = now.Add(90 * time.Second)
	if _, ok := store.Get(context.Background(), "s1"); ok {
		t.Fatal("expected expired entry to be a miss")
	}
}

func TestMemoryPresenceStore_SweepEvictsExpired(t *testing.T) {
	now := time.Now()
	store := NewMemoryPresenceStore(time.Minute, time.Hour)
	store.now = func() time.Time { return now }
	store.Put(context.Background(), &models.Session{ID: "s1"})

	evicted := store.Sweep(now.Add(2 * time.Minute))
	if evicted != 1 {
		t.Errorf("Sweep() evicted = %d, want 1", evicted)
	}
}

func TestManager_StatsSummarizesHistory(t *testing.T) {
	m := newTestManager()
	session, err := m.Create(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	msgs := []*models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "hi", CreatedAt: base},
		{ID: "m2", Role: models.RoleAssistant, Content: "hello", CreatedAt: base.Add(5 * time.Second)},
		{ID: "m3", Role: models.RoleUser, Content: "bye", CreatedAt: base.Add(65 * time.Second)},
	}
	for _, msg := range msgs {
		if err := m.AppendMessage(context.Background(), session.ID, msg); err != nil {
			t.Fatalf("AppendMessage(%s) error = %v", msg.ID, err)
		}
	}

	stats, err := m.Stats(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", stats.MessageCount)
	}
	if stats.UserMessages != 2 || stats.AssistantMessages != 1 {
		t.Errorf("role counts = %d user / %d assistant, want 2/1", stats.UserMessages, stats.AssistantMessages)
	}
	if stats.FirstMessageAt == nil || !stats.FirstMessageAt.Equal(base) {
		t.Errorf("FirstMessageAt = %v, want %v", stats.FirstMessageAt, base)
	}
	if stats.ActiveSeconds != 65 {
		t.Errorf("ActiveSeconds = %v, want 65", stats.ActiveSeconds)
	}
}

func TestManager_StatsEmptySession(t *testing.T) {
	m := newTestManager()
	session, err := m.Create(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stats, err := m.Stats(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.MessageCount != 0 || stats.ActiveSeconds != 0 {
		t.Errorf("expected zero stats, got %+v", stats)
	}
	if stats.FirstMessageAt != nil || stats.LastMessageAt != nil {
		t.Errorf("expected nil timestamps, got %+v", stats)
	}
}
