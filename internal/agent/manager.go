package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nexus-agents/agentgw/internal/observability"
	"github.com/nexus-agents/agentgw/internal/sessions"
	"github.com/nexus-agents/agentgw/internal/streamhub"
)

// DefaultMaxInstances is the Agent Manager's default capacity cap.
const DefaultMaxInstances = 100

// DefaultInstanceTTL is how long an idle instance survives before the
// background sweeper evicts it.
const DefaultInstanceTTL = time.Hour

// DefaultSweepInterval is how often the sweeper scans for TTL-expired
// instances.
const DefaultSweepInterval = 5 * time.Minute

// DefaultEvictionBatch is how many LRU instances are freed at once when
// capacity pressure forces an eviction ahead of a new acquire.
const DefaultEvictionBatch = 10

// ToolSource builds a fresh tool registry for a set of tool server ids. The
// Agent Manager depends on this interface rather than on internal/toolservers
// directly, so the manager stays agnostic of how a tool server is reached.
type ToolSource interface {
	BuildToolRegistry(serverIDs []string) *ToolRegistry
}

// ManagerConfig bounds an Agent Manager's capacity and eviction behavior.
type ManagerConfig struct {
	MaxInstances    int
	InstanceTTL     time.Duration
	SweepInterval   time.Duration
	EvictionBatch   int
	ApprovalWaitMin time.Duration
}

// DefaultManagerConfig returns the stock capacity and eviction bounds.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxInstances:  DefaultMaxInstances,
		InstanceTTL:   DefaultInstanceTTL,
		SweepInterval: DefaultSweepInterval,
		EvictionBatch: DefaultEvictionBatch,
	}
}

// binding is the manager's bookkeeping entry for one session's instance:
// the instance itself plus the tool server ids it's currently bound to
// (kept here, not on Instance, since retargeting is a manager-level
// operation — see SetTools/AddToolServer/RemoveToolServer).
type binding struct {
	instance  *Instance
	serverIDs []string
}

// Manager owns the session -> Agent Instance mapping: creates on demand,
// reuses on hit, evicts by TTL and capacity. The map is the only heavily
// shared mutable structure in the runtime; its lock covers map reads,
// writes, and the double-checked creation path, never an agent turn.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	bindings map[string]*binding // session id -> binding

	tools       ToolSource
	permissions *PermissionCoordinator
	risk        RiskResolver
	sessionMgr  *sessions.Manager
	stream      *streamhub.Coordinator
	sink        EventSink
	log         *slog.Logger
	tracer      *observability.Tracer
}

// NewManager wires an Agent Manager over its collaborators. A zero-value
// cfg is replaced with DefaultManagerConfig(). A nil tracer disables span
// creation for every instance the manager creates.
func NewManager(
	cfg ManagerConfig,
	tools ToolSource,
	permissions *PermissionCoordinator,
	risk RiskResolver,
	sessionMgr *sessions.Manager,
	stream *streamhub.Coordinator,
	sink EventSink,
	log *slog.Logger,
	tracer *observability.Tracer,
) *Manager {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	if cfg.InstanceTTL <= 0 {
		cfg.InstanceTTL = DefaultInstanceTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.EvictionBatch <= 0 {
		cfg.EvictionBatch = DefaultEvictionBatch
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		bindings:    make(map[string]*binding),
		tools:       tools,
		permissions: permissions,
		risk:        risk,
		sessionMgr:  sessionMgr,
		stream:      stream,
		sink:        sink,
		log:         log,
		tracer:      tracer,
	}
}

// Acquire returns the Agent Instance bound to sessionID, creating it if
// absent, or recreating it if desired's binding key (provider name, model)
// differs from the existing instance's. A rebind is never done in place:
// switching provider or model always recreates the instance.
//
// Concurrent first-acquire for the same session id is serialized by the
// manager's single mutex held for the full check-then-create sequence, so
// two racing callers never construct two instances for one session.
func (m *Manager) Acquire(ctx context.Context, sessionID string, desired InstanceConfig, serverIDs []string) (*Instance, error) {
	desired.SessionID = sessionID
	if desired.ApprovalWaitMin <= 0 {
		desired.ApprovalWaitMin = m.cfg.ApprovalWaitMin
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bindings[sessionID]; ok {
		if b.instance.BindingKey() == desired.bindingKey() {
			b.instance.touch()
			return b.instance, nil
		}
		m.log.Info("agent instance rebind: provider/model changed", "session_id", sessionID)
		delete(m.bindings, sessionID)
	}

	if len(m.bindings) >= m.cfg.MaxInstances {
		m.evictLRULocked(m.cfg.EvictionBatch)
	}

	session, err := m.sessionMgr.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("agent: acquire %q: %w", sessionID, err)
	}
	if session == nil {
		return nil, fmt.Errorf("agent: acquire %q: session not found", sessionID)
	}

	toolRegistry := m.tools.BuildToolRegistry(serverIDs)
	instance := NewInstance(session.ThreadID, desired, toolRegistry, m.permissions, m.risk, m.sessionMgr, m.stream, m.sink, m.log, m.tracer)
	m.bindings[sessionID] = &binding{instance: instance, serverIDs: append([]string(nil), serverIDs...)}
	return instance, nil
}

// Peek returns sessionID's bound instance without creating one and without
// affecting LRU order, for read-only inspection (stats reporting).
func (m *Manager) Peek(sessionID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[sessionID]
	if !ok {
		return nil, false
	}
	return b.instance, true
}

// Release removes sessionID's mapping and its tool-set record.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, sessionID)
}

// SetTools replaces sessionID's instance's tool set with adapters sourced
// from serverIDs, preserving the instance's memory handle.
func (m *Manager) SetTools(sessionID string, serverIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[sessionID]
	if !ok {
		return fmt.Errorf("agent: set_tools %q: no instance bound", sessionID)
	}
	b.serverIDs = append([]string(nil), serverIDs...)
	b.instance.SetTools(m.tools.BuildToolRegistry(serverIDs))
	return nil
}

// AddToolServer appends serverID to sessionID's bound servers and retargets
// its tool set, without recreating the instance.
func (m *Manager) AddToolServer(sessionID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[sessionID]
	if !ok {
		return fmt.Errorf("agent: add_tool_server %q: no instance bound", sessionID)
	}
	for _, id := range b.serverIDs {
		if id == serverID {
			return nil
		}
	}
	b.serverIDs = append(b.serverIDs, serverID)
	b.instance.SetTools(m.tools.BuildToolRegistry(b.serverIDs))
	return nil
}

// RemoveToolServer drops serverID from sessionID's bound servers and
// retargets its tool set, without recreating the instance.
func (m *Manager) RemoveToolServer(sessionID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[sessionID]
	if !ok {
		return fmt.Errorf("agent: remove_tool_server %q: no instance bound", sessionID)
	}
	filtered := b.serverIDs[:0]
	for _, id := range b.serverIDs {
		if id != serverID {
			filtered = append(filtered, id)
		}
	}
	b.serverIDs = filtered
	b.instance.SetTools(m.tools.BuildToolRegistry(b.serverIDs))
	return nil
}

// ReloadForServer refreshes the tool adapters of every session currently
// bound to serverID and returns the affected session ids, used when a
// tool server is added or removed or its catalog changes.
func (m *Manager) ReloadForServer(serverID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []string
	for sessionID, b := range m.bindings {
		for _, id := range b.serverIDs {
			if id == serverID {
				b.instance.SetTools(m.tools.BuildToolRegistry(b.serverIDs))
				affected = append(affected, sessionID)
				break
			}
		}
	}
	sort.Strings(affected)
	return affected
}

// ManagerStats is the snapshot returned by Stats.
type ManagerStats struct {
	Total           int
	ActiveWithin5m  int
	Idle            int
	MaxInstances    int
	InstanceTTL     time.Duration
}

// Stats reports counts, configured maximum, and configured TTL.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	stats := ManagerStats{
		Total:        len(m.bindings),
		MaxInstances: m.cfg.MaxInstances,
		InstanceTTL:  m.cfg.InstanceTTL,
	}
	for _, b := range m.bindings {
		if now.Sub(b.instance.LastUsed()) <= 5*time.Minute {
			stats.ActiveWithin5m++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// evictLRULocked frees up to n instances with the oldest LastUsed. Callers
// must hold m.mu.
func (m *Manager) evictLRULocked(n int) {
	type entry struct {
		sessionID string
		lastUsed  time.Time
	}
	entries := make([]entry, 0, len(m.bindings))
	for sessionID, b := range m.bindings {
		entries = append(entries, entry{sessionID, b.instance.LastUsed()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastUsed.Before(entries[j].lastUsed) })
	for i := 0; i < n && i < len(entries); i++ {
		delete(m.bindings, entries[i].sessionID)
	}
}

// Run drives the background TTL sweeper until ctx is cancelled, evicting
// instances whose last-used age exceeds the configured TTL.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for sessionID, b := range m.bindings {
		if now.Sub(b.instance.LastUsed()) > m.cfg.InstanceTTL {
			delete(m.bindings, sessionID)
		}
	}
}
