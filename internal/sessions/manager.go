package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// ErrStorage is returned when the authoritative History Store write fails
// on create; a Presence Store failure alongside it is logged, not fatal.
var ErrStorage = errors.New("sessions: storage failure")

// DefaultHistoryFetchLimit is the number of messages pulled from the
// History Store on a Presence Store miss.
const DefaultHistoryFetchLimit = 200

// Manager owns the (user, window?) <-> session mapping:
// create, lookup-with-refresh, soft-delete, restore. It never talks to an
// Agent Instance directly; the Agent Manager consults it for descriptors.
type Manager struct {
	presence PresenceStore
	history  HistoryStore
	log      *slog.Logger
}

// NewManager wires a Session Manager over the given stores. If log is nil,
// slog.Default() is used.
func NewManager(presence PresenceStore, history HistoryStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{presence: presence, history: history, log: log}
}

// Create generates a fresh session id, derives the thread id, writes the
// descriptor to both stores, and records it in the user's active set.
func (m *Manager) Create(ctx context.Context, userID, windowID string) (*models.Session, error) {
	id := uuid.NewString()
	now := time.Now()
	session := &models.Session{
		ID:           id,
		UserID:       userID,
		WindowID:     windowID,
		ThreadID:     models.ThreadID(userID, id),
		Status:       models.SessionAvailable,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}

	if err := m.history.Create(ctx, session); err != nil {
		return nil, errors.Join(ErrStorage, err)
	}

	if err := m.presence.Put(ctx, session); err != nil {
		m.log.Warn("presence store write failed on create", "session_id", id, "error", err)
	}
	m.presence.AddToUserSet(ctx, userID, id)

	return session, nil
}

// Get implements the Presence-first, History-fallback lookup:
// a Presence hit refreshes the TTL and returns; a miss falls back to
// History and, if the record is available, rehydrates presence.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if session, ok := m.presence.Get(ctx, sessionID); ok {
		m.presence.Touch(ctx, sessionID)
		return session, nil
	}

	session, err := m.history.Get(ctx, sessionID)
	if err != nil {
		var notFound *ErrSessionNotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	if session.Status != models.SessionAvailable {
		return nil, nil
	}

	if err := m.presence.Put(ctx, session); err != nil {
		m.log.Warn("presence rehydration failed", "session_id", sessionID, "error", err)
	}
	m.presence.AddToUserSet(ctx, session.UserID, sessionID)
	return session, nil
}

// UpdateContext merge-patches the descriptor's context map and refreshes
// its TTL in both stores.
func (m *Manager) UpdateContext(ctx context.Context, sessionID string, patch map[string]any) (*models.Session, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	if session.Context == nil {
		session.Context = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		session.Context[k] = v
	}
	session.UpdatedAt = time.Now()

	if err := m.history.Update(ctx, session); err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	if err := m.presence.Put(ctx, session); err != nil {
		m.log.Warn("presence store write failed on update", "session_id", sessionID, "error", err)
	}
	return session, nil
}

// Delete removes the session from Presence Store and the owning user's set.
// With archive=true (the default), History status becomes `deleted`
// and is no longer restorable; archive=false physically removes the row.
func (m *Manager) Delete(ctx context.Context, sessionID string, archive bool) error {
	session, err := m.history.Get(ctx, sessionID)
	if err != nil {
		var notFound *ErrSessionNotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	m.presence.Remove(ctx, sessionID)

	if archive {
		return m.history.SoftDelete(ctx, sessionID)
	}
	return m.history.HardDelete(ctx, session.ID)
}

// ListUser enumerates the user's session set, fetching each descriptor and
// dropping ids that no longer resolve (lazy garbage collection).
func (m *Manager) ListUser(ctx context.Context, userID string) ([]*models.Session, error) {
	ids := m.presence.UserSet(ctx, userID)
	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		session, err := m.Get(ctx, id)
		if err != nil || session == nil {
			if gc, ok := m.presence.(interface{ removeFromUserSet(string, string) }); ok {
				gc.removeFromUserSet(userID, id)
			}
			continue
		}
		out = append(out, session)
	}

	historical, err := m.history.ListByUser(ctx, userID, ListOptions{})
	if err != nil {
		return out, nil
	}
	seen := make(map[string]struct{}, len(out))
	for _, s := range out {
		seen[s.ID] = struct{}{}
	}
	for _, s := range historical {
		if s.Status != models.SessionAvailable {
			continue
		}
		if _, ok := seen[s.ID]; ok {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// History returns the last limit messages for a session, preferring the
// Presence Store's cache and rehydrating from the History Store on miss
// (messages are append-only and dual-written).
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if cached, ok := m.presence.CachedHistory(ctx, sessionID, limit); ok {
		return cached, nil
	}

	fetchLimit := limit
	if fetchLimit <= 0 {
		fetchLimit = DefaultHistoryFetchLimit
	}
	messages, err := m.history.GetHistory(ctx, sessionID, fetchLimit)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		m.presence.AppendMessage(ctx, sessionID, msg)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// statsMessageWindow caps how many messages a stats read scans. Far above
// any realistic conversation length, it only exists to bound the query.
const statsMessageWindow = 10000

// SessionStats summarizes one session's conversation from History Store
// data alone: message counts by role, the first and last message times,
// and the span between them as the session's active time.
type SessionStats struct {
	SessionID         string     `json:"session_id"`
	MessageCount      int        `json:"message_count"`
	UserMessages      int        `json:"user_messages"`
	AssistantMessages int        `json:"assistant_messages"`
	FirstMessageAt    *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	ActiveSeconds     float64    `json:"active_seconds"`
}

// Stats computes a session's usage summary. It reads the History Store
// directly rather than through the Presence cache, which may hold only a
// TTL-bounded suffix of the conversation.
func (m *Manager) Stats(ctx context.Context, sessionID string) (*SessionStats, error) {
	messages, err := m.history.GetHistory(ctx, sessionID, statsMessageWindow)
	if err != nil {
		return nil, err
	}

	stats := &SessionStats{SessionID: sessionID, MessageCount: len(messages)}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			stats.UserMessages++
		case models.RoleAssistant:
			stats.AssistantMessages++
		}
		if msg.CreatedAt.IsZero() {
			continue
		}
		t := msg.CreatedAt
		if stats.FirstMessageAt == nil || t.Before(*stats.FirstMessageAt) {
			stats.FirstMessageAt = &t
		}
		if stats.LastMessageAt == nil || t.After(*stats.LastMessageAt) {
			stats.LastMessageAt = &t
		}
	}
	if stats.FirstMessageAt != nil && stats.LastMessageAt != nil {
		stats.ActiveSeconds = stats.LastMessageAt.Sub(*stats.FirstMessageAt).Seconds()
	}
	return stats, nil
}

// SearchMessages finds messages containing substr across every session
// owned by userID, delegating straight to the History Store since
// the Presence Store's cache only ever holds a session's own window.
func (m *Manager) SearchMessages(ctx context.Context, userID, substr string, limit int) ([]*models.Message, error) {
	return m.history.SearchMessages(ctx, userID, substr, limit)
}

// AppendMessage dual-writes a message: History Store first (authoritative),
// then the Presence Store cache, and refreshes the session's last_activity.
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if err := m.history.AppendMessage(ctx, sessionID, msg); err != nil {
		return errors.Join(ErrStorage, err)
	}
	m.presence.AppendMessage(ctx, sessionID, msg)
	m.presence.Touch(ctx, sessionID)
	return nil
}
