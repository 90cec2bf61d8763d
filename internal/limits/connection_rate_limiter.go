// Package limits provides admission control for the transport layer.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quillchat/quill/internal/monitoring"
)

// ConnectionRateLimiter throttles connection attempts with token buckets
// at two levels: per client IP and process-wide. Stale per-IP buckets
// are reaped once they have been idle past their TTL.
type ConnectionRateLimiter struct {
	mu         sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds limiter settings. Zero values fall
// back to defaults suitable for a small chat deployment.
type ConnectionRateLimiterConfig struct {
	IPBurst int     // max burst connections per IP (default 10)
	IPRate  float64 // sustained connections/sec per IP (default 1.0)
	IPTTL   time.Duration

	GlobalBurst int     // max burst connections process-wide (default 100)
	GlobalRate  float64 // sustained connections/sec process-wide (default 25.0)

	Logger zerolog.Logger
}

// NewConnectionRateLimiter builds a limiter and starts its cleanup loop.
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
		config.GlobalBurst = 100
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 25.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	l.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")
	return l
}

// Allow reports whether a connection attempt from ip may proceed. The
// global bucket is consulted first, then the per-IP bucket.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		monitoring.RecordRateLimited("global")
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		monitoring.RecordRateLimited("per_ip")
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Reaped idle IP rate limiters")
	}
}

// Stop terminates the cleanup loop.
func (l *ConnectionRateLimiter) Stop() {
	close(l.stopCleanup)
}
