package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles connection attempts at two levels: per
// source IP, and globally across the instance. Both are token buckets from
// golang.org/x/time/rate.
type ConnectionRateLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*ipBucket
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipBucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds the limiter knobs. Zero values fall back
// to the defaults noted per field.
type ConnectionRateLimiterConfig struct {
	IPBurst int           // max burst per IP (default 10)
	IPRate  float64       // sustained conns/sec per IP (default 1.0)
	IPTTL   time.Duration // drop idle IP buckets after this (default 5m)

	GlobalBurst int     // max burst instance-wide (default 300)
	GlobalRate  float64 // sustained conns/sec instance-wide (default 50.0)

	Logger zerolog.Logger
}

func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	crl := &ConnectionRateLimiter{
		perIP:       make(map[string]*ipBucket),
		ipBurst:     config.IPBurst,
		ipRate:      config.IPRate,
		ipTTL:       config.IPTTL,
		global:      rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:      config.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	crl.cleanupTicker = time.NewTicker(time.Minute)
	go crl.cleanupLoop()

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")

	return crl
}

// CheckConnectionAllowed reports whether a connection attempt from ip may
// proceed. Global limit is consulted first so a distributed flood cannot
// bypass it by spreading across addresses.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.global.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	if entry, ok := crl.perIP[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	lim := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.perIP[ip] = &ipBucket{limiter: lim, lastAccess: time.Now()}
	return lim
}

// cleanupLoop drops buckets for IPs idle longer than ipTTL so the map cannot
// grow without bound.
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
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range crl.perIP {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.perIP, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.perIP)).
			Msg("Dropped idle IP rate limiters")
	}
}

// Stop terminates the cleanup goroutine. Call during shutdown.
func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stopCleanup)
}

// TrackedIPs reports how many per-IP buckets are currently held. Exposed for
// the health endpoint.
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	return len(crl.perIP)
}
