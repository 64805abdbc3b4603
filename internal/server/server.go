// Package server wires the HTTP surface: the WebSocket upgrade route, health
// and metrics endpoints, and graceful shutdown with connection draining.
// Grounded on an internal/shared/server.go Start/Shutdown reference shape,
// generalized from a single /ws route to a per-app /app/{key} route and
// from a Kafka-consumer drain wait to this repo's transport-agnostic
// horizontal adapter.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-ws/internal/app"
	"github.com/adred-codev/realtime-ws/internal/connection"
	"github.com/adred-codev/realtime-ws/internal/horizontal"
	"github.com/adred-codev/realtime-ws/internal/limits"
	"github.com/adred-codev/realtime-ws/internal/metrics"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/transport"
	"github.com/rs/zerolog"
)

// Config carries the HTTP-layer knobs from internal/config.Config the
// server needs directly (kept decoupled so this package has no import on
// config).
type Config struct {
	Addr            string
	DrainGracePeriod time.Duration
}

// Server owns the HTTP listener and every admission-control gate a new
// connection passes through before reaching connection.Handler.Upgrade.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	httpServer *http.Server

	handler        *connection.Handler
	registry       *namespace.Registry
	apps           app.Manager
	transport      transport.Transport
	adapter        *horizontal.Adapter
	resourceGuard  *limits.ResourceGuard
	rateLimiter    *limits.ConnectionRateLimiter

	currentConns *int64
	shuttingDown atomic.Bool
}

// New builds a Server. currentConns must be the same counter pointer passed
// to limits.NewResourceGuard, so admission checks and drain-wait observe the
// same value.
func New(cfg Config, handler *connection.Handler, registry *namespace.Registry, apps app.Manager, tr transport.Transport, adapter *horizontal.Adapter, resourceGuard *limits.ResourceGuard, rateLimiter *limits.ConnectionRateLimiter, currentConns *int64, logger zerolog.Logger) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		handler:       handler,
		registry:      registry,
		apps:          apps,
		transport:     tr,
		adapter:       adapter,
		resourceGuard: resourceGuard,
		rateLimiter:   rateLimiter,
		currentConns:  currentConns,
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/{key}", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleUpgrade applies capacity admission (shutdown flag, per-IP/global
// rate limiting, resource guard) before handing off to connection.Handler.
// App-key resolution happens inside the handler, post-upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := clientIP(r)

	if s.rateLimiter != nil && !s.rateLimiter.CheckConnectionAllowed(clientIP) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.resourceGuard.ShouldAcceptConnection(); !accept {
		s.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("connection rejected")
		metrics.ConnectionsFailed.Inc()
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	s.handler.Upgrade(w, r)
}

// handleHealth aggregates transport, app-manager, and resource-guard health
// into one JSON payload (operability addition).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"transport": "ok", "app_manager": "ok"}

	if err := s.transport.CheckHealth(ctx); err != nil {
		checks["transport"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.apps.CheckHealth(ctx); err != nil {
		checks["app_manager"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"checks":%s,"resources":%s}`, toJSON(checks), toJSON(s.resourceGuard.Stats()))
}

// Start begins serving HTTP in the background. Call Shutdown to stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.mux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("server listening")
	return nil
}

// Shutdown stops accepting new connections, waits up to DrainGracePeriod
// (or until ctx is done) for active ones to drain, then closes the adapter,
// rate limiter and transport. WebSocket connections still open at that point
// are not closed here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}

	grace := s.cfg.DrainGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	drainTimer := time.NewTimer(grace)
	defer drainTimer.Stop()
	checkTicker := time.NewTicker(time.Second)
	defer checkTicker.Stop()

	for {
		remaining := atomic.LoadInt64(s.currentConns)
		if remaining == 0 {
			s.logger.Info().Msg("all connections drained")
			break
		}
		select {
		case <-drainTimer.C:
			s.logger.Warn().Int64("remaining_connections", remaining).Msg("grace period expired, forcing shutdown")
			goto forceClose
		case <-ctx.Done():
			goto forceClose
		case <-checkTicker.C:
			s.logger.Info().Int64("remaining_connections", remaining).Msg("waiting for connections to drain")
		}
	}

forceClose:
	s.adapter.Close()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("error closing transport")
	}
	s.logger.Info().Msg("shutdown complete")
	return nil
}
