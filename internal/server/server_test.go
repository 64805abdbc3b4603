package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adred-codev/realtime-ws/internal/app"
	"github.com/adred-codev/realtime-ws/internal/connection"
	"github.com/adred-codev/realtime-ws/internal/horizontal"
	"github.com/adred-codev/realtime-ws/internal/limits"
	"github.com/adred-codev/realtime-ws/internal/localadapter"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/pusher"
	"github.com/adred-codev/realtime-ws/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// noopTransport is a Transport double sufficient for exercising the HTTP
// surface without a real broker.
type noopTransport struct{ healthErr error }

func (noopTransport) PublishBroadcast(ctx context.Context, msg *transport.BroadcastMessage) error {
	return nil
}
func (noopTransport) PublishRequest(ctx context.Context, req *transport.RequestBody) error {
	return nil
}
func (noopTransport) PublishResponse(ctx context.Context, resp *transport.ResponseBody) error {
	return nil
}
func (noopTransport) StartListeners(ctx context.Context, h transport.Handlers) error { return nil }
func (noopTransport) NodeCount(ctx context.Context) (int, error)                     { return 1, nil }
func (t noopTransport) CheckHealth(ctx context.Context) error                        { return t.healthErr }
func (noopTransport) Close() error                                                   { return nil }

func newTestServer(t *testing.T, tr transport.Transport) *Server {
	t.Helper()
	registry := namespace.NewRegistry()
	local := localadapter.New(zerolog.Nop(), 4)
	adapter := horizontal.New("node-test", tr, local, registry, 100*time.Millisecond, zerolog.Nop())
	require.NoError(t, adapter.Start(context.Background()))
	t.Cleanup(adapter.Close)

	apps := app.NewMemoryManager(&app.App{ID: "app1", Key: "key1", Secret: "secret1", Enabled: true})
	var currentConns int64
	handler := connection.New("node-test", apps, registry, adapter, pusher.NewClassifier(100), connection.Config{
		ActivityTimeout: time.Minute,
		PongTimeout:     time.Second,
		AuthTimeout:     time.Minute,
		SendBuffer:      16,
	}, &currentConns, zerolog.Nop())

	guard := limits.NewResourceGuard(limits.GuardConfig{
		MaxConnections:     10,
		MaxGoroutines:      1000,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  80,
		MaxBroadcastRate:   100,
	}, zerolog.Nop(), &currentConns)
	rateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{Logger: zerolog.Nop()})
	t.Cleanup(rateLimiter.Stop)

	return New(Config{Addr: ":0", DrainGracePeriod: time.Second}, handler, registry, apps, tr, adapter, guard, rateLimiter, &currentConns, zerolog.Nop())
}

func TestHandleHealthReportsOKWhenDependenciesHealthy(t *testing.T) {
	srv := newTestServer(t, noopTransport{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	checks, ok := body["checks"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ok", checks["transport"])
}

func TestHandleHealthReportsUnavailableWhenTransportUnhealthy(t *testing.T) {
	srv := newTestServer(t, noopTransport{healthErr: http.ErrServerClosed})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleUpgradeRejectsWhileShuttingDown(t *testing.T) {
	srv := newTestServer(t, noopTransport{})
	srv.shuttingDown.Store(true)

	req := httptest.NewRequest(http.MethodGet, "/app/key1", nil)
	rec := httptest.NewRecorder()
	srv.handleUpgrade(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleUpgradeRejectsWhenResourceGuardSaysNo(t *testing.T) {
	srv := newTestServer(t, noopTransport{})
	var conns int64 = 10
	srv.resourceGuard = limits.NewResourceGuard(limits.GuardConfig{
		MaxConnections:     10,
		MaxGoroutines:      1000,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  80,
		MaxBroadcastRate:   100,
	}, zerolog.Nop(), &conns)

	req := httptest.NewRequest(http.MethodGet, "/app/key1", nil)
	rec := httptest.NewRecorder()
	srv.handleUpgrade(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestShutdownCompletesImmediatelyWithNoActiveConnections(t *testing.T) {
	srv := newTestServer(t, noopTransport{})
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.True(t, srv.shuttingDown.Load())
}
