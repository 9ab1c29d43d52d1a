package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/agentgw/internal/sessions"
	"github.com/nexus-agents/agentgw/internal/streamhub"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// stubProvider satisfies LLMProvider for binding-key tests; Complete is
// never reached.
type stubProvider struct{ name string }

func (p stubProvider) Name() string                { return p.name }
func (p stubProvider) Models() []Model             { return []Model{{ID: "m1", ContextSize: 8192}} }
func (p stubProvider) SupportsTools() bool         { return true }
func (p stubProvider) CountTokens(_, s string) int { return len(s) / 4 }
func (p stubProvider) Complete(context.Context, *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk)
	close(ch)
	return ch, nil
}

// staticToolSource returns a fresh empty registry on every build.
type staticToolSource struct{}

func (staticToolSource) BuildToolRegistry([]string) *ToolRegistry { return NewToolRegistry() }

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *sessions.Manager) {
	t.Helper()
	presence := sessions.NewMemoryPresenceStore(time.Minute, time.Hour)
	history := sessions.NewMemoryHistoryStore()
	sessionMgr := sessions.NewManager(presence, history, nil)
	stream := streamhub.NewCoordinator(nil, 0, 0)
	permissions := NewPermissionCoordinator(0, nil)
	mgr := NewManager(cfg, staticToolSource{}, permissions, nil, sessionMgr, stream, NopSink{}, nil, nil)
	return mgr, sessionMgr
}

func mustCreateSession(t *testing.T, sessionMgr *sessions.Manager, userID string) *models.Session {
	t.Helper()
	session, err := sessionMgr.Create(context.Background(), userID, "")
	require.NoError(t, err)
	return session
}

func TestAcquireReusesInstanceForSameBinding(t *testing.T) {
	mgr, sessionMgr := newTestManager(t, ManagerConfig{})
	session := mustCreateSession(t, sessionMgr, "alice")

	cfg := InstanceConfig{Provider: stubProvider{name: "p"}, Model: "m1"}
	first, err := mgr.Acquire(context.Background(), session.ID, cfg, nil)
	require.NoError(t, err)
	second, err := mgr.Acquire(context.Background(), session.ID, cfg, nil)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestAcquireRecreatesOnModelChange(t *testing.T) {
	mgr, sessionMgr := newTestManager(t, ManagerConfig{})
	session := mustCreateSession(t, sessionMgr, "alice")

	first, err := mgr.Acquire(context.Background(), session.ID, InstanceConfig{Provider: stubProvider{name: "p"}, Model: "m1"}, nil)
	require.NoError(t, err)
	second, err := mgr.Acquire(context.Background(), session.ID, InstanceConfig{Provider: stubProvider{name: "p"}, Model: "m2"}, nil)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

func TestAcquireUnknownSessionFails(t *testing.T) {
	mgr, _ := newTestManager(t, ManagerConfig{})
	_, err := mgr.Acquire(context.Background(), "missing", InstanceConfig{Provider: stubProvider{name: "p"}}, nil)
	require.Error(t, err)
}

func TestConcurrentFirstAcquireYieldsOneInstance(t *testing.T) {
	mgr, sessionMgr := newTestManager(t, ManagerConfig{})
	session := mustCreateSession(t, sessionMgr, "alice")
	cfg := InstanceConfig{Provider: stubProvider{name: "p"}, Model: "m1"}

	instances := make([]*Instance, 16)
	var wg sync.WaitGroup
	for i := range instances {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := mgr.Acquire(context.Background(), session.ID, cfg, nil)
			require.NoError(t, err)
			instances[i] = inst
		}(i)
	}
	wg.Wait()

	for _, inst := range instances[1:] {
		require.Same(t, instances[0], inst)
	}
}

func TestCapacityTriggersLRUEvictionUnderCap(t *testing.T) {
	mgr, sessionMgr := newTestManager(t, ManagerConfig{MaxInstances: 4, EvictionBatch: 2})
	cfg := InstanceConfig{Provider: stubProvider{name: "p"}, Model: "m1"}

	for i := 0; i < 6; i++ {
		session := mustCreateSession(t, sessionMgr, fmt.Sprintf("user%d", i))
		_, err := mgr.Acquire(context.Background(), session.ID, cfg, nil)
		require.NoError(t, err)
	}

	stats := mgr.Stats()
	require.LessOrEqual(t, stats.Total, 4)
}

func TestReleaseDropsMapping(t *testing.T) {
	mgr, sessionMgr := newTestManager(t, ManagerConfig{})
	session := mustCreateSession(t, sessionMgr, "alice")

	_, err := mgr.Acquire(context.Background(), session.ID, InstanceConfig{Provider: stubProvider{name: "p"}}, nil)
	require.NoError(t, err)
	mgr.Release(session.ID)
	_, ok := mgr.Peek(session.ID)
	require.False(t, ok)
}

func TestToolSetChangesPreserveInstance(t *testing.T) {
	mgr, sessionMgr := newTestManager(t, ManagerConfig{})
	session := mustCreateSession(t, sessionMgr, "alice")

	inst, err := mgr.Acquire(context.Background(), session.ID, InstanceConfig{Provider: stubProvider{name: "p"}}, []string{"srv-a"})
	require.NoError(t, err)

	require.NoError(t, mgr.SetTools(session.ID, []string{"srv-b"}))
	require.NoError(t, mgr.AddToolServer(session.ID, "srv-c"))
	require.NoError(t, mgr.RemoveToolServer(session.ID, "srv-b"))

	after, ok := mgr.Peek(session.ID)
	require.True(t, ok)
	require.Same(t, inst, after, "retargeting the tool set must not recreate the instance")
}

func TestReloadForServerReturnsAffectedSessions(t *testing.T) {
	mgr, sessionMgr := newTestManager(t, ManagerConfig{})
	cfg := InstanceConfig{Provider: stubProvider{name: "p"}}

	bound := mustCreateSession(t, sessionMgr, "alice")
	_, err := mgr.Acquire(context.Background(), bound.ID, cfg, []string{"srv-x"})
	require.NoError(t, err)

	unbound := mustCreateSession(t, sessionMgr, "bob")
	_, err = mgr.Acquire(context.Background(), unbound.ID, cfg, []string{"srv-y"})
	require.NoError(t, err)

	affected := mgr.ReloadForServer("srv-x")
	require.Equal(t, []string{bound.ID}, affected)
}

func TestStatsCountsActiveAndIdle(t *testing.T) {
	mgr, sessionMgr := newTestManager(t, ManagerConfig{MaxInstances: 10, InstanceTTL: time.Hour})
	session := mustCreateSession(t, sessionMgr, "alice")
	_, err := mgr.Acquire(context.Background(), session.ID, InstanceConfig{Provider: stubProvider{name: "p"}}, nil)
	require.NoError(t, err)

	stats := mgr.Stats()
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.ActiveWithin5m)
	require.Equal(t, 10, stats.MaxInstances)
}
