package toolservers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// ReloadCallback is invoked with a server id whenever that server's catalog
// changes (register, unregister, or a future refresh), so the Agent Manager
// can retarget every session bound to it.
type ReloadCallback func(serverID string)

// registeredServer is one entry of the registry: its declared config, live
// transport, and cached tool catalog.
type registeredServer struct {
	cfg       ServerConfig
	transport Transport
	overrides []riskOverride
	tools     map[string]RemoteTool // unqualified name -> catalog entry
}

// Registry owns the declared tool servers: register/unregister
// servers, derive a flat qualified-name tool catalog, and resolve risk per
// tool.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*registeredServer
	onReload ReloadCallback
	log     *slog.Logger
}

// NewRegistry creates an empty registry. onReload may be nil.
func NewRegistry(onReload ReloadCallback, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		servers:  make(map[string]*registeredServer),
		onReload: onReload,
		log:      log,
	}
}

// Register validates cfg, connects its transport, probes its tool list, and
// installs it in the catalog. A server id that already exists is replaced:
// the old transport is closed first.
func (r *Registry) Register(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	overrides := make([]riskOverride, 0, len(cfg.RiskOverrides))
	for pattern, risk := range cfg.RiskOverrides {
		level, ok := parseRisk(risk)
		if !ok {
			return fmt.Errorf("toolservers: server %q: invalid risk override %q for pattern %q", cfg.ID, risk, pattern)
		}
		overrides = append(overrides, riskOverride{pattern: pattern, level: level})
	}

	transport := newTransport(cfg)
	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("toolservers: connect %q: %w", cfg.ID, err)
	}

	remote, err := transport.ListTools(ctx)
	if err != nil {
		transport.Close()
		return fmt.Errorf("toolservers: list tools for %q: %w", cfg.ID, err)
	}

	tools := make(map[string]RemoteTool, len(remote))
	for _, t := range remote {
		tools[t.Name] = t
	}

	r.mu.Lock()
	if old, exists := r.servers[cfg.ID]; exists {
		old.transport.Close()
	}
	r.servers[cfg.ID] = &registeredServer{cfg: cfg, transport: transport, overrides: overrides, tools: tools}
	r.mu.Unlock()

	r.log.Info("tool server registered", "server_id", cfg.ID, "tools", len(tools))
	r.notify(cfg.ID)
	return nil
}

// Unregister removes a server, evicts its catalog entries, and closes its
// transport, then notifies reload_for_server.
func (r *Registry) Unregister(serverID string) error {
	r.mu.Lock()
	server, ok := r.servers[serverID]
	if ok {
		delete(r.servers, serverID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("toolservers: server %q not registered", serverID)
	}
	if err := server.transport.Close(); err != nil {
		r.log.Warn("tool server close failed", "server_id", serverID, "error", err)
	}
	r.notify(serverID)
	return nil
}

func (r *Registry) notify(serverID string) {
	if r.onReload != nil {
		r.onReload(serverID)
	}
}

// ToolsFor returns adapter-ready descriptors for every tool across the
// given server ids. A nil or empty serverIDs means "every registered
// server" — the shape the Agent Manager uses to rebuild a session's full
// tool set after add_tool_server/remove_tool_server.
func (r *Registry) ToolsFor(serverIDs []string) []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := serverIDs
	if len(ids) == 0 {
		ids = make([]string, 0, len(r.servers))
		for id := range r.servers {
			ids = append(ids, id)
		}
	}

	var out []models.ToolDescriptor
	for _, id := range ids {
		server, ok := r.servers[id]
		if !ok {
			continue
		}
		for _, t := range server.tools {
			qualified := id + ":" + t.Name
			out = append(out, models.ToolDescriptor{
				ServerID:    id,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				Risk:        resolveRisk(qualified, declaredRisk(t, server.cfg), server.overrides),
			})
		}
	}
	return out
}

// RiskOf resolves the declared risk for a fully-qualified tool name
// ("<server_id>:<name>"), defaulting to medium if no server or tool entry
// matches.
func (r *Registry) RiskOf(qualifiedName string) (models.RiskLevel, bool) {
	serverID, name, ok := splitQualified(qualifiedName)
	if !ok {
		return defaultRisk, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	server, ok := r.servers[serverID]
	if !ok {
		return defaultRisk, false
	}
	tool, hasTool := server.tools[name]
	return resolveRisk(qualifiedName, declaredRisk(tool, server.cfg), server.overrides), hasTool
}

// CallTool invokes the named tool on its owning server.
func (r *Registry) CallTool(ctx context.Context, qualifiedName string, input []byte) (*CallResult, error) {
	serverID, name, ok := splitQualified(qualifiedName)
	if !ok {
		return nil, fmt.Errorf("toolservers: malformed qualified tool name %q", qualifiedName)
	}

	r.mu.RLock()
	server, ok := r.servers[serverID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("toolservers: server %q not registered", serverID)
	}
	return server.transport.CallTool(ctx, name, input)
}

// ServerIDs returns every currently registered server id.
func (r *Registry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	return ids
}

// declaredRisk resolves a tool's own declared risk: the catalog entry's
// field first, then the server-wide default from its config.
func declaredRisk(tool RemoteTool, cfg ServerConfig) models.RiskLevel {
	if level, ok := parseRisk(tool.Risk); ok {
		return level
	}
	if level, ok := parseRisk(cfg.Risk); ok {
		return level
	}
	return ""
}

func splitQualified(qualifiedName string) (serverID, name string, ok bool) {
	for i := 0; i < len(qualifiedName); i++ {
		if qualifiedName[i] == ':' {
			return qualifiedName[:i], qualifiedName[i+1:], true
		}
	}
	return "", "", false
}

func newTransport(cfg ServerConfig) Transport {
	if cfg.transportKind() == TransportRemote {
		return newHTTPTransport(cfg)
	}
	return newStdioTransport(cfg)
}
