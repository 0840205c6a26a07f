// ABOUTME: Coordination server orchestrating HTTP, optional gRPC health and sweepers
// ABOUTME: Manages listener setup, supervision with errgroup and graceful shutdown

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/config"
	"github.com/2389/hitl-coord/internal/mcp"
	"github.com/2389/hitl-coord/internal/tools"
)

// ShutdownTimeout bounds graceful shutdown of the listeners.
const ShutdownTimeout = 10 * time.Second

// healthService is the gRPC health service name reported for the coordinator.
const healthService = "hitl.coord"

// Server runs the coordination service.
type Server struct {
	config      *config.Config
	logger      *slog.Logger
	managers    *managers
	coordinator *tools.Coordinator
	mcpServer   *mcp.Server
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	ready       atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// New creates a Server from cfg. version is reported by MCP initialize.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := buildManagers(cfg, logger)
	if err != nil {
		return nil, err
	}
	m.watchLiveness(cfg.Heartbeat, logger.With("component", "liveness"))

	coordinator, err := tools.New(m.coordinatorConfig(cfg, logger))
	if err != nil {
		m.close()
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Coordinator: coordinator,
		Logger:      logger,
		Version:     version,
	})
	if err != nil {
		m.close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	s := &Server{
		config:      cfg,
		logger:      logger.With("component", "server"),
		managers:    m,
		coordinator: coordinator,
		mcpServer:   mcpServer,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		s.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		s.health = health.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		reflection.Register(s.grpcServer)
		s.setServing(false)
	}

	return s, nil
}

// Coordinator returns the tool facade served by s.
func (s *Server) Coordinator() *tools.Coordinator {
	return s.coordinator
}

// Handler returns the HTTP handler without starting listeners.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	api := http.NewServeMux()
	s.mcpServer.RegisterRoutes(api)
	api.HandleFunc("GET /channels/{name}/events", s.handleChannelEvents)
	api.HandleFunc("GET /stats", s.handleStats)

	var handler http.Handler = api
	if s.managers.sessions != nil {
		handler = auth.BearerMiddleware(s.managers.sessions, s.managers.auth, s.logger)(api)
	}
	mux.Handle("/", handler)
	return mux
}

// setupListeners creates the HTTP listener and, when configured, the gRPC one.
func (s *Server) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	s.logger.Info("starting coordination server",
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if s.grpcServer == nil {
		return httpLn, nil, nil
	}

	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// Run starts the servers and sweepers and blocks until ctx is canceled or
// one of them fails. It returns nil after a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpLn, grpcLn, err := s.setupListeners()
	if err != nil {
		return err
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve is Run on caller-provided listeners. grpcLn may be nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil && s.grpcServer != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { return s.managers.locks.Run(gctx) })
	g.Go(func() error { return s.managers.heartbeat.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("context canceled, initiating shutdown")
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	s.ready.Store(true)
	s.setServing(true)

	return g.Wait()
}

func (s *Server) setServing(serving bool) {
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(healthService, status)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the listeners, closes every channel subscription and
// releases the audit trail. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Info("shutting down coordination server")
		s.ready.Store(false)

		if s.health != nil {
			s.health.Shutdown()
		}

		// Subscriptions close first so open event streams return before
		// the HTTP server waits on them.
		s.managers.channels.Close()

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
		if s.grpcServer != nil {
			s.shutdownGRPCServer(ctx)
		}
		s.managers.locks.Stop()
		s.managers.heartbeat.Stop()
		errs = appendCloseError(errs, "managers close", s.managers.close())

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the server is accepting work.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not serving"))
		return
	}
	st := s.managers.heartbeat.Stats()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents alive)", st.Alive)
}

// handleStats returns the coordinator counters as JSON. With authentication
// enabled a bearer session is required.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.config.Auth.Enabled && auth.FromContext(r.Context()) == nil {
		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.coordinator.Stats()); err != nil {
		s.logger.Error("failed to encode stats", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
