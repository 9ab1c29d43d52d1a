package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// maxHistoryMessagesPerSession bounds the in-memory history store the same
// way the original cache-backed MemoryStore did, to keep local/test runs
// from growing without limit.
const maxHistoryMessagesPerSession = 1000

// MemoryHistoryStore is an in-memory HistoryStore for tests and local runs
// without a database configured.
type MemoryHistoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byUser   map[string]map[string]struct{}
	messages map[string][]*models.Message
}

// NewMemoryHistoryStore creates an empty in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		sessions: make(map[string]*models.Session),
		byUser:   make(map[string]map[string]struct{}),
		messages: make(map[string][]*models.Message),
	}
}

func (m *MemoryHistoryStore) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt
	if clone.Status == "" {
		clone.Status = models.SessionAvailable
	}
	m.sessions[clone.ID] = clone
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	session.Status = clone.Status

	set, ok := m.byUser[clone.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[clone.UserID] = set
	}
	set[clone.ID] = struct{}{}
	return nil
}

func (m *MemoryHistoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, &ErrSessionNotFound{ID: id}
	}
	return cloneSession(session), nil
}

func (m *MemoryHistoryStore) Update(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[session.ID]
	if !ok {
		return &ErrSessionNotFound{ID: session.ID}
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryHistoryStore) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return &ErrSessionNotFound{ID: id}
	}
	now := time.Now()
	session.Status = models.SessionDeleted
	session.DeletedAt = &now
	session.UpdatedAt = now
	return nil
}

func (m *MemoryHistoryStore) HardDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return &ErrSessionNotFound{ID: id}
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	if set, ok := m.byUser[session.UserID]; ok {
		delete(set, id)
	}
	return nil
}

func (m *MemoryHistoryStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byUser[userID]
	out := make([]*models.Session, 0, len(ids))
	for id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, cloneSession(s))
		}
	}

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	return out[start:end], nil
}

func (m *MemoryHistoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return &ErrSessionNotFound{ID: sessionID}
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.messages[sessionID] = append(m.messages[sessionID], clone)
	if len(m.messages[sessionID]) > maxHistoryMessagesPerSession {
		excess := len(m.messages[sessionID]) - maxHistoryMessagesPerSession
		m.messages[sessionID] = m.messages[sessionID][excess:]
	}
	if s, ok := m.sessions[sessionID]; ok {
		s.UpdatedAt = time.Now()
		s.LastActivity = s.UpdatedAt
	}
	return nil
}

func (m *MemoryHistoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages := m.messages[sessionID]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// SearchMessages scans every session owned by userID for messages whose
// content contains substr (case-insensitive), newest first.
func (m *MemoryHistoryStore) SearchMessages(ctx context.Context, userID, substr string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(substr)
	var out []*models.Message
	for id := range m.byUser[userID] {
		for i := len(m.messages[id]) - 1; i >= 0; i-- {
			msg := m.messages[id][i]
			if strings.Contains(strings.ToLower(msg.Content), needle) {
				out = append(out, cloneMessage(msg))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
