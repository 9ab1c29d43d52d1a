package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-agents/agentgw/internal/agent"
	"github.com/nexus-agents/agentgw/internal/agent/providers"
	"github.com/nexus-agents/agentgw/internal/config"
	"github.com/nexus-agents/agentgw/internal/observability"
	"github.com/nexus-agents/agentgw/internal/sessions"
	"github.com/nexus-agents/agentgw/internal/streamhub"
	"github.com/nexus-agents/agentgw/internal/toolservers"
	"github.com/nexus-agents/agentgw/internal/transport/httpapi"
	"github.com/nexus-agents/agentgw/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent gateway server",
		Long: `Start the agent gateway server.

The server will:
1. Load configuration from the given file (defaults applied for anything
   it omits).
2. Open the History Store (in-memory, Postgres/Cockroach, or SQLite,
   depending on history.driver).
3. Register any tool servers declared under tool_servers.
4. Build the configured LLM providers.
5. Start the HTTP API: chat streaming, permission decisions, session and
   tool-server administration, and the server-push websocket channel.

Graceful shutdown runs on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentgw.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// metricsSink adapts observability.Metrics to agent.EventSink, recording a
// handful of run-level counters without coupling the agent runtime to the
// Prometheus client.
type metricsSink struct {
	metrics *observability.Metrics
}

func (s metricsSink) Emit(_ context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventRunError:
		s.metrics.RecordError("agent", "run_error")
	case models.AgentEventToolStarted:
		if e.Tool != nil {
			s.metrics.RecordToolExecution(e.Tool.Name, "started", 0)
		}
	}
}

// dependencies holds every collaborator the server needs, built once by
// buildDependencies and never referenced through a package-level variable.
// Explicit construction and explicit wiring; no singletons.
type dependencies struct {
	cfg            *config.Config
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracerShutdown func(context.Context) error
	history        sessions.HistoryStore
	sessionMgr     *sessions.Manager
	stream         *streamhub.Coordinator
	toolReg        *toolservers.Registry
	permissions    *agent.PermissionCoordinator
	agentMgr       *agent.Manager
	llm            map[string]agent.LLMProvider
	http           *httpapi.Server
}

// buildDependencies constructs every long-lived service,
// in dependency order, without starting any background goroutine or network
// listener.
func buildDependencies(configPath string, logger *slog.Logger) (*dependencies, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.Logging.Level != "" || cfg.Logging.Format != "" {
		logger = observability.MustNewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		}, os.Stderr)
		slog.SetDefault(logger)
	}

	logger.Info("configuration loaded",
		"config", configPath,
		"history_driver", cfg.History.Driver,
		"llm_default_provider", cfg.LLM.DefaultProvider,
		"agent_manager_max_instances", cfg.AgentManager.MaxInstances,
	)

	metrics := observability.NewMetrics()
	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})

	history, err := buildHistoryStore(cfg.History, metrics, tracer)
	if err != nil {
		tracerShutdown(context.Background())
		return nil, fmt.Errorf("build history store: %w", err)
	}

	presence := sessions.NewMemoryPresenceStore(
		cfg.Session.TTL(),
		time.Duration(cfg.History.MessageCacheTTLDays)*24*time.Hour,
	)
	sessionMgr := sessions.NewManager(presence, history, logger)

	classifier := streamhub.NewClassifier(nil, nil)
	stream := streamhub.NewCoordinator(
		classifier,
		cfg.Stream.SubscriberQueueSize,
		time.Duration(cfg.Stream.HeartbeatSeconds)*time.Second,
	)

	var reloadMu sync.Mutex
	var agentMgr *agent.Manager
	toolRegistry := toolservers.NewRegistry(func(serverID string) {
		reloadMu.Lock()
		mgr := agentMgr
		reloadMu.Unlock()
		if mgr == nil {
			return
		}
		affected := mgr.ReloadForServer(serverID)
		logger.Info("tool server reloaded", "server_id", serverID, "affected_sessions", len(affected))
	}, logger)

	for _, serverCfg := range cfg.ToolServers {
		regCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := toolRegistry.Register(regCtx, serverCfg)
		cancel()
		if err != nil {
			logger.Error("failed to register configured tool server", "server_id", serverCfg.ID, "error", err)
			continue
		}
		logger.Info("tool server registered", "server_id", serverCfg.ID)
	}

	autoApprove := agent.DefaultAutoApprovePolicy
	permissions := agent.NewPermissionCoordinator(
		time.Duration(cfg.Permission.DefaultTimeoutSeconds)*time.Second,
		autoApprove,
	)

	sink := metricsSink{metrics: metrics}
	agentMgr = agent.NewManager(
		agent.ManagerConfig{
			MaxInstances:    cfg.AgentManager.MaxInstances,
			InstanceTTL:     time.Duration(cfg.AgentManager.InstanceTTLSeconds) * time.Second,
			SweepInterval:   time.Duration(cfg.AgentManager.SweepIntervalSeconds) * time.Second,
			EvictionBatch:   cfg.AgentManager.EvictionBatchSize,
			ApprovalWaitMin: time.Duration(cfg.Permission.DefaultTimeoutSeconds) * time.Second,
		},
		toolRegistry,
		permissions,
		toolRegistry,
		sessionMgr,
		stream,
		sink,
		logger,
		tracer,
	)

	llmProviders, buildErrs := providers.BuildAll(cfg.LLM)
	for _, buildErr := range buildErrs {
		logger.Warn("llm provider unavailable", "error", buildErr)
	}
	if len(llmProviders) == 0 {
		logger.Warn("no LLM providers configured; chat requests will fail until llm.providers is populated")
	}

	srv := httpapi.NewServer(sessionMgr, agentMgr, toolRegistry, stream, permissions, llmProviders, cfg.LLM, logger, metrics, tracer)

	return &dependencies{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		tracerShutdown: tracerShutdown,
		history:        history,
		sessionMgr:     sessionMgr,
		stream:         stream,
		toolReg:        toolRegistry,
		permissions:    permissions,
		agentMgr:       agentMgr,
		llm:            llmProviders,
		http:           srv,
	}, nil
}

// runServe wires every long-lived service and starts the
// HTTP API, then blocks until a shutdown signal arrives. It returns early
// only if the listener cannot be bound; an error while serving is logged by
// the HTTP server and does not end the wait.
func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(observability.NewRedactingWriter(os.Stderr), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	deps, err := buildDependencies(configPath, logger)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go deps.agentMgr.Run(runCtx)
	go deps.permissions.Run(runCtx, time.Hour)
	go deps.stream.Run(runCtx)

	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		logger.Warn("config watch unavailable, tool-server edits need a restart", "error", err)
	} else {
		defer watcher.Close()
		watcher.OnChange(func(next *config.Config) {
			syncToolServers(runCtx, deps.toolReg, next.ToolServers, logger)
		})
	}

	if err := deps.http.ListenAndServe(deps.cfg.Server.ListenAddr); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := deps.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	cancelRun()

	if closer, ok := deps.history.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("history store close failed", "error", err)
		}
	}
	if deps.tracerShutdown != nil {
		if err := deps.tracerShutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}

	logger.Info("agentgw stopped gracefully")
	return nil
}

// syncToolServers reconciles the registry against the declared server
// list after a config reload: servers present in the file are
// (re-)registered, servers that vanished from it are unregistered.
func syncToolServers(ctx context.Context, registry *toolservers.Registry, declared []toolservers.ServerConfig, logger *slog.Logger) {
	want := make(map[string]bool, len(declared))
	for _, serverCfg := range declared {
		want[serverCfg.ID] = true
		regCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := registry.Register(regCtx, serverCfg)
		cancel()
		if err != nil {
			logger.Error("tool server reload failed", "server_id", serverCfg.ID, "error", err)
			continue
		}
		logger.Info("tool server reloaded from config", "server_id", serverCfg.ID)
	}
	for _, id := range registry.ServerIDs() {
		if !want[id] {
			if err := registry.Unregister(id); err != nil {
				logger.Warn("tool server unregister failed", "server_id", id, "error", err)
			} else {
				logger.Info("tool server removed from config", "server_id", id)
			}
		}
	}
}

// buildHistoryStore opens the History Store named by cfg.Driver ("memory"
// the default, "postgres"/"sqlite" backed by cfg.DSN). metrics and tracer may
// be nil; a SQL-backed store instruments every query with both when set.
func buildHistoryStore(cfg config.HistoryConfig, metrics *observability.Metrics, tracer *observability.Tracer) (sessions.HistoryStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return sessions.NewMemoryHistoryStore(), nil
	case "postgres":
		sqlCfg := sessions.DefaultSQLConfig()
		sqlCfg.Driver = "postgres"
		if cfg.DSN != "" {
			sqlCfg.DSN = cfg.DSN
		}
		return sessions.NewSQLHistoryStore(sqlCfg, metrics, tracer)
	case "sqlite":
		sqlCfg := sessions.DefaultSQLConfig()
		sqlCfg.Driver = "sqlite"
		sqlCfg.DSN = cfg.DSN
		if sqlCfg.DSN == "" {
			sqlCfg.DSN = "agentgw.db"
		}
		return sessions.NewSQLHistoryStore(sqlCfg, metrics, tracer)
	default:
		return nil, fmt.Errorf("config: unknown history.driver %q", cfg.Driver)
	}
}
