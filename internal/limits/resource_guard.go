// Package limits implements connection admission control: a static
// resource guard (CPU/memory/goroutine safety valves) and a per-IP +
// global connection rate limiter. Ported in spirit, not character-for-
// character, from an internal/shared/limits reference implementation that
// reads cgroup quota files directly (internal/single/platform/cgroup_cpu.go);
// this version samples CPU via gopsutil/v3 and relies on automaxprocs
// (wired in cmd/server/main.go) to size GOMAXPROCS to the container's
// quota, a smaller surface for the same cgroup-awareness goal (see
// DESIGN.md).
package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-ws/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"
)

// GuardConfig mirrors the resource-limit fields of internal/config.Config
// that the guard needs (kept decoupled so limits has no import on config).
type GuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int
	MemoryLimit        int64
	CPURejectThreshold float64
	CPUPauseThreshold  float64
	MaxBroadcastRate   int
}

// GoroutineLimiter bounds concurrent goroutines with a semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

// NewGoroutineLimiter builds a limiter allowing up to max concurrent holders.
func NewGoroutineLimiter(max int) *GoroutineLimiter {
	if max < 1 {
		max = 1
	}
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

// Acquire attempts to take a slot without blocking.
func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (gl *GoroutineLimiter) Release() { <-gl.sem }

// Current reports in-use slots.
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }

// Max reports the configured ceiling.
func (gl *GoroutineLimiter) Max() int { return gl.max }

// ResourceGuard enforces static admission limits: a hard connection cap,
// CPU/memory emergency brakes, and a goroutine ceiling. It deliberately
// does not auto-tune; thresholds are fixed at construction and deterministic.
type ResourceGuard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	broadcastLimiter *rate.Limiter
	goroutines       *GoroutineLimiter

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64

	currentConns *int64
}

// NewResourceGuard builds a ResourceGuard. currentConns is a pointer to the
// caller's live connection counter (updated via atomic ops as sockets
// connect/disconnect).
func NewResourceGuard(cfg GuardConfig, logger zerolog.Logger, currentConns *int64) *ResourceGuard {
	rg := &ResourceGuard{
		cfg:              cfg,
		logger:           logger,
		broadcastLimiter: rate.NewLimiter(rate.Limit(cfg.MaxBroadcastRate), cfg.MaxBroadcastRate*2),
		goroutines:       NewGoroutineLimiter(cfg.MaxGoroutines),
		currentConns:     currentConns,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))
	return rg
}

// ShouldAcceptConnection applies the admission checks in order: hard
// connection limit, CPU emergency brake, memory emergency brake, goroutine
// limit.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(rg.currentConns)
	cpuPct := rg.currentCPU.Load().(float64)
	memBytes := rg.currentMemory.Load().(int64)
	goros := runtime.NumGoroutine()

	if conns >= int64(rg.cfg.MaxConnections) {
		metrics.CapacityRejectionsTotal.WithLabelValues("at_max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", rg.cfg.MaxConnections)
	}
	if cpuPct > rg.cfg.CPURejectThreshold {
		metrics.CapacityRejectionsTotal.WithLabelValues("cpu_overload").Inc()
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, rg.cfg.CPURejectThreshold)
	}
	if rg.cfg.MemoryLimit > 0 && memBytes > rg.cfg.MemoryLimit {
		metrics.CapacityRejectionsTotal.WithLabelValues("memory_limit").Inc()
		return false, "memory limit exceeded"
	}
	if goros > rg.cfg.MaxGoroutines {
		metrics.CapacityRejectionsTotal.WithLabelValues("goroutine_limit").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, rg.cfg.MaxGoroutines)
	}
	return true, "OK"
}

// ShouldPauseBroadcast reports whether CPU is critical enough that
// publishers should back off.
func (rg *ResourceGuard) ShouldPauseBroadcast() bool {
	return rg.currentCPU.Load().(float64) > rg.cfg.CPUPauseThreshold
}

// AllowBroadcast rate-limits broadcast admission system-wide.
func (rg *ResourceGuard) AllowBroadcast() bool { return rg.broadcastLimiter.Allow() }

// AcquireGoroutine reserves a goroutine slot; callers must Release when done.
func (rg *ResourceGuard) AcquireGoroutine() bool { return rg.goroutines.Acquire() }

// ReleaseGoroutine returns a goroutine slot.
func (rg *ResourceGuard) ReleaseGoroutine() { rg.goroutines.Release() }

// UpdateResources resamples CPU and memory usage. Call periodically (e.g.
// every RTWS_METRICS_INTERVAL).
func (rg *ResourceGuard) UpdateResources(ctx context.Context) {
	cpuPct, err := processCPUPercent(ctx)
	if err != nil {
		rg.logger.Warn().Err(err).Msg("failed to sample CPU usage")
		cpuPct = 0
	}
	rg.currentCPU.Store(cpuPct)

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	rg.currentMemory.Store(int64(stats.Alloc))

	metrics.CPUUsagePercent.Set(cpuPct)
	metrics.MemoryUsageBytes.Set(float64(stats.Alloc))
	metrics.GoroutinesCurrent.Set(float64(runtime.NumGoroutine()))

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.HostMemoryUsedPercent.Set(vm.UsedPercent)
	}
}

// StartMonitoring resamples resource usage on interval until ctx is done.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rg.UpdateResources(ctx)
			}
		}
	}()
}

// Stats returns a snapshot for the /health endpoint.
func (rg *ResourceGuard) Stats() map[string]any {
	return map[string]any{
		"max_connections":      rg.cfg.MaxConnections,
		"current_connections":  atomic.LoadInt64(rg.currentConns),
		"cpu_percent":          rg.currentCPU.Load().(float64),
		"cpu_reject_threshold": rg.cfg.CPURejectThreshold,
		"cpu_pause_threshold":  rg.cfg.CPUPauseThreshold,
		"memory_bytes":         rg.currentMemory.Load().(int64),
		"memory_limit_bytes":   rg.cfg.MemoryLimit,
		"goroutines_current":   runtime.NumGoroutine(),
		"goroutines_limit":     rg.cfg.MaxGoroutines,
	}
}
