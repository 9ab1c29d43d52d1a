// Package httpapi exposes the external interfaces over HTTP: the chat
// streaming endpoint, the permission decision endpoint, session CRUD and
// search, tool server administration, and a server-push websocket channel.
//
// Handlers hold no package-level state; every collaborator is constructed
// once by the composition root and passed in.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexus-agents/agentgw/internal/agent"
	"github.com/nexus-agents/agentgw/internal/config"
	"github.com/nexus-agents/agentgw/internal/observability"
	"github.com/nexus-agents/agentgw/internal/sessions"
	"github.com/nexus-agents/agentgw/internal/streamhub"
	"github.com/nexus-agents/agentgw/internal/toolservers"
)

// Server wires every collaborator a handler needs and owns the HTTP
// listener. It holds no package-level state; everything is constructed and
// passed in by the composition root.
type Server struct {
	sessionMgr  *sessions.Manager
	agents      *agent.Manager
	tools       *toolservers.Registry
	stream      *streamhub.Coordinator
	permissions *agent.PermissionCoordinator
	providers   map[string]agent.LLMProvider
	llm         config.LLMConfig
	log         *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer

	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer constructs a Server. A nil log falls back to slog.Default(). A
// nil metrics disables HTTP request instrumentation, and a nil tracer
// disables per-request span creation.
func NewServer(
	sessionMgr *sessions.Manager,
	agents *agent.Manager,
	tools *toolservers.Registry,
	stream *streamhub.Coordinator,
	permissions *agent.PermissionCoordinator,
	providers map[string]agent.LLMProvider,
	llm config.LLMConfig,
	log *slog.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		sessionMgr:  sessionMgr,
		agents:      agents,
		tools:       tools,
		stream:      stream,
		permissions: permissions,
		providers:   providers,
		llm:         llm,
		log:         log,
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Routes builds the router. Exported so tests can exercise handlers with
// httptest without going through ListenAndServe.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/search", s.handleSearchMessages)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteSession)
			r.Get("/history", s.handleSessionHistory)
			r.Get("/stats", s.handleSessionStats)
			r.Post("/chat", s.handleChat)
			r.Get("/stream", s.handleStream)
			r.Post("/permissions/{requestID}/decision", s.handlePermissionDecision)
		})
	})

	r.Route("/v1/tool-servers", func(r chi.Router) {
		r.Post("/", s.handleRegisterToolServer)
		r.Get("/", s.handleListToolServers)
		r.Route("/{serverID}", func(r chi.Router) {
			r.Delete("/", s.handleUnregisterToolServer)
			r.Post("/call/{toolName}", s.handleExecuteTool)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ctx := req.Context()
		var span trace.Span
		if s.tracer != nil {
			ctx, span = s.tracer.TraceHTTPRequest(ctx, req.Method, req.URL.Path)
			req = req.WithContext(ctx)
			defer span.End()
		}

		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		elapsed := time.Since(start)

		if span != nil {
			span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
			if ww.Status() >= 500 {
				s.tracer.RecordError(span, fmt.Errorf("http status %d", ww.Status()))
			}
		}

		s.log.Debug("http request", "method", req.Method, "path", req.URL.Path, "status", ww.Status(), "elapsed", elapsed)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(req.Method, req.URL.Path, strconv.Itoa(ww.Status()), elapsed.Seconds())
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ListenAndServe starts the HTTP server on addr and returns once the
// listener is bound; it serves in a background goroutine until Shutdown is
// called.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()

	s.log.Info("httpapi listening", "addr", addr)
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
