package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// DefaultPresenceTTL is how long a session descriptor stays hot in the
// Presence Store without being touched before it is considered absent.
const DefaultPresenceTTL = 30 * time.Minute

// DefaultMessageCacheTTL is the TTL applied to the bounded message cache
// list kept alongside a session's presence entry.
const DefaultMessageCacheTTL = 7 * 24 * time.Hour

// maxCachedMessagesPerSession bounds the Presence Store's message cache so a
// single chatty session cannot grow memory without limit; the History Store
// remains the unbounded, authoritative copy.
const maxCachedMessagesPerSession = 200

// PresenceStore is the fast, TTL-bounded cache the Session Manager consults
// before falling back to the History Store. A miss is never an error: it
// means the caller should rehydrate from History (see Manager.Get).
type PresenceStore interface {
	// Put inserts or refreshes a session descriptor, resetting its TTL.
	Put(ctx context.Context, session *models.Session) error

	// Touch refreshes a session's TTL without altering its content.
	// Returns false if the session is not present.
	Touch(ctx context.Context, sessionID string) bool

	// Get returns the cached descriptor, or ok=false on miss/expiry.
	Get(ctx context.Context, sessionID string) (session *models.Session, ok bool)

	// Remove evicts a session's presence entry and cached messages.
	Remove(ctx context.Context, sessionID string)

	// AddToUserSet records that sessionID belongs to userID's active set.
	AddToUserSet(ctx context.Context, userID, sessionID string)

	// UserSet returns the session ids recorded for userID, including ids
	// that have since expired from presence (the caller is expected to
	// garbage-collect those on fetch failure).
	UserSet(ctx context.Context, userID string) []string

	// AppendMessage appends to the bounded per-session message cache.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message)

	// CachedHistory returns up to limit of the most recent cached messages
	// (0 means all cached). Returns ok=false if nothing is cached.
	CachedHistory(ctx context.Context, sessionID string, limit int) (messages []*models.Message, ok bool)
}

type presenceEntry struct {
	session  *models.Session
	expireAt time.Time
}

type messageCacheEntry struct {
	messages []*models.Message
	expireAt time.Time
}

// MemoryPresenceStore is an in-memory, TTL-evicting PresenceStore. Expired
// entries are dropped lazily on access, or in bulk when a caller invokes
// Sweep; the store starts no background loop of its own. It never blocks
// callers on disk or network I/O.
type MemoryPresenceStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	msgTTL   time.Duration
	sessions map[string]*presenceEntry
	userSets map[string]map[string]struct{}
	messages map[string]*messageCacheEntry
	now      func() time.Time
}

// NewMemoryPresenceStore creates an in-memory presence cache with the given
// TTLs. A zero ttl/msgTTL falls back to the package defaults.
func NewMemoryPresenceStore(ttl, msgTTL time.Duration) *MemoryPresenceStore {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if msgTTL <= 0 {
		msgTTL = DefaultMessageCacheTTL
	}
	return &MemoryPresenceStore{
		ttl:      ttl,
		msgTTL:   msgTTL,
		sessions: make(map[string]*presenceEntry),
		userSets: make(map[string]map[string]struct{}),
		messages: make(map[string]*messageCacheEntry),
		now:      time.Now,
	}
}

func (s *MemoryPresenceStore) Put(ctx context.Context, session *models.Session) error {
	if session == nil {
		return nil
	}
	clone := cloneSession(session)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[clone.ID] = &presenceEntry{session: clone, expireAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryPresenceStore) Touch(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok || s.now().After(entry.expireAt) {
		delete(s.sessions, sessionID)
		return false
	}
	entry.expireAt = s.now().Add(s.ttl)
	return true
}

func (s *MemoryPresenceStore) Get(ctx context.Context, sessionID string) (*models.Session, bool) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(entry.expireAt) {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return nil, false
	}
	return cloneSession(entry.session), true
}

func (s *MemoryPresenceStore) Remove(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
}

func (s *MemoryPresenceStore) AddToUserSet(ctx context.Context, userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.userSets[userID]
	if !ok {
		set = make(map[string]struct{})
		s.userSets[userID] = set
	}
	set[sessionID] = struct{}{}
}

func (s *MemoryPresenceStore) UserSet(ctx context.Context, userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.userSets[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// removeFromUserSet is used by the Session Manager when garbage-collecting
// stale ids discovered during list_user.
func (s *MemoryPresenceStore) removeFromUserSet(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.userSets[userID]; ok {
		delete(set, sessionID)
	}
}

func (s *MemoryPresenceStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) {
	if msg == nil {
		return
	}
	clone := cloneMessage(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.messages[sessionID]
	if !ok {
		entry = &messageCacheEntry{}
		s.messages[sessionID] = entry
	}
	entry.expireAt = s.now().Add(s.msgTTL)
	entry.messages = append(entry.messages, clone)
	if len(entry.messages) > maxCachedMessagesPerSession {
		excess := len(entry.messages) - maxCachedMessagesPerSession
		entry.messages = entry.messages[excess:]
	}
}

func (s *MemoryPresenceStore) CachedHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, bool) {
	s.mu.RLock()
	entry, ok := s.messages[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(entry.expireAt) {
		s.mu.Lock()
		delete(s.messages, sessionID)
		s.mu.Unlock()
		return nil, false
	}
	start := 0
	if limit > 0 && len(entry.messages) > limit {
		start = len(entry.messages) - limit
	}
	out := make([]*models.Message, 0, len(entry.messages)-start)
	for _, m := range entry.messages[start:] {
		out = append(out, cloneMessage(m))
	}
	return out, true
}

// Sweep removes every expired entry. Get/Touch already drop expired entries
// lazily, so Sweep mainly reclaims memory for sessions nobody has touched
// recently. It runs only when called; neither the store nor the Session
// Manager schedules it.
func (s *MemoryPresenceStore) Sweep(now time.Time) (evicted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.sessions {
		if now.After(entry.expireAt) {
			delete(s.sessions, id)
			evicted++
		}
	}
	for id, entry := range s.messages {
		if now.After(entry.expireAt) {
			delete(s.messages, id)
		}
	}
	return evicted
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Context != nil {
		clone.Context = deepCloneMap(session.Context)
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	if len(msg.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, msg.Attachments...)
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &clone
}

func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	default:
		return v
	}
}
