// Command server is the realtime-ws process entrypoint: it loads
// configuration, wires the namespace registry, app manager, transport,
// local and horizontal adapters, and connection handler together, then
// serves HTTP until an interrupt or SIGTERM triggers a graceful drain.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/realtime-ws/internal/app"
	"github.com/adred-codev/realtime-ws/internal/config"
	"github.com/adred-codev/realtime-ws/internal/connection"
	"github.com/adred-codev/realtime-ws/internal/horizontal"
	"github.com/adred-codev/realtime-ws/internal/limits"
	"github.com/adred-codev/realtime-ws/internal/localadapter"
	"github.com/adred-codev/realtime-ws/internal/logging"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/pusher"
	"github.com/adred-codev/realtime-ws/internal/server"
	"github.com/adred-codev/realtime-ws/internal/transport"
	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("automaxprocs applied")

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	registry := namespace.NewRegistry()

	apps := app.NewMemoryManager(&app.App{
		ID:            cfg.AppID,
		Key:           cfg.AppKey,
		Secret:        cfg.AppSecret,
		Enabled:       true,
		RequireSignin: cfg.AppRequireSignin,
		Limits: app.Limits{
			MaxConnections:               cfg.MaxConnections,
			MaxChannelsPerConnection:     1000,
			MaxPresenceMembersPerChannel: 10000,
		},
	})

	tr, err := transport.NewNATSTransport(transport.NATSConfig{
		URL:             cfg.TransportURL,
		Prefix:          cfg.TransportPrefix,
		RequestTimeout:  cfg.RequestTimeout,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect transport")
	}

	maxConcurrent := runtime.GOMAXPROCS(0) * cfg.FanoutConcurrencyMultiplier
	local := localadapter.New(logger, maxConcurrent)

	adapter := horizontal.New(nodeID, tr, local, registry, cfg.RequestTimeout, logger)

	channels := pusher.NewClassifier(cfg.ChannelCacheSize)

	connCfg := connection.Config{
		ActivityTimeout: cfg.ActivityTimeout,
		PongTimeout:     cfg.PongTimeout,
		AuthTimeout:     cfg.AuthTimeout,
		SendBuffer:      256,
	}
	var currentConns int64
	handler := connection.New(nodeID, apps, registry, adapter, channels, connCfg, &currentConns, logger)
	adapter.SetTerminateLocal(handler.TerminateLocal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start horizontal adapter")
	}

	resourceGuard := limits.NewResourceGuard(limits.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxGoroutines:      cfg.MaxGoroutines,
		MemoryLimit:        cfg.MemoryLimit,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		MaxBroadcastRate:   cfg.MaxBroadcastRate,
	}, logger, &currentConns)
	resourceGuard.StartMonitoring(ctx, cfg.MetricsInterval)

	rateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{Logger: logger})

	srv := server.New(server.Config{
		Addr:             cfg.Addr,
		DrainGracePeriod: cfg.DrainGracePeriod,
	}, handler, registry, apps, tr, adapter, resourceGuard, rateLimiter, &currentConns, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainGracePeriod+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
