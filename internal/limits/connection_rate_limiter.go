package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/realtime-ws/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter is DoS protection for the /app/{key} upgrade
// endpoint: a per-IP token bucket plus a system-wide one, with the global
// bucket checked first (cheapest, no map lookup), then the per-IP one. Ported from the
// teacher's internal/shared/limits/connection_rate_limiter.go unchanged in
// structure.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig configures both rate limiting tiers.
type ConnectionRateLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	Logger zerolog.Logger
}

// NewConnectionRateLimiter builds a ConnectionRateLimiter, applying defaults
// (10 burst / 1 per-sec per IP, 300 burst / 50 per-sec global, 5 min TTL)
// for zero-valued fields.
func NewConnectionRateLimiter(cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		globalBurst:   cfg.GlobalBurst,
		globalRate:    cfg.GlobalRate,
		logger:        cfg.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	crl.cleanupTicker = time.NewTicker(time.Minute)
	go crl.cleanupLoop()

	return crl
}

// CheckConnectionAllowed reports whether a new connection from ip may
// proceed: global limit first, then per-IP.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.globalLimiter.Allow() {
		metrics.CapacityRejectionsTotal.WithLabelValues("rate_limit_global").Inc()
		return false
	}

	if !crl.getIPLimiter(ip).Allow() {
		metrics.CapacityRejectionsTotal.WithLabelValues("rate_limit_ip").Inc()
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	crl.ipMu.RLock()
	entry, exists := crl.ipLimiters[ip]
	crl.ipMu.RUnlock()

	if exists {
		crl.ipMu.Lock()
		entry.lastAccess = time.Now()
		crl.ipMu.Unlock()
		return entry.limiter
	}

	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	if entry, exists = crl.ipLimiters[ip]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := time.Now()
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
		}
	}
}

// Stop ends the background cleanup goroutine. Calling Stop again after it
// has returned is a no-op.
func (crl *ConnectionRateLimiter) Stop() {
	select {
	case <-crl.stopCleanup:
	default:
		close(crl.stopCleanup)
	}
}

// Stats returns current tracking state for the /health endpoint.
func (crl *ConnectionRateLimiter) Stats() map[string]any {
	crl.ipMu.RLock()
	tracked := len(crl.ipLimiters)
	crl.ipMu.RUnlock()
	return map[string]any{
		"tracked_ips":  tracked,
		"ip_burst":     crl.ipBurst,
		"ip_rate":      crl.ipRate,
		"ip_ttl":       crl.ipTTL.String(),
		"global_burst": crl.globalBurst,
		"global_rate":  crl.globalRate,
	}
}
