package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HandshakeLimiterConfig configures the IP-tier connection throttle.
type HandshakeLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration
	Logger  zerolog.Logger
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// HandshakeLimiter throttles new WebSocket upgrades per remote IP
// (spec §4.C, "a second bucket at the handshake tier"). Stale per-IP
// entries are reaped on a background ticker so memory doesn't grow
// unbounded under churn from many distinct client IPs.
type HandshakeLimiter struct {
	mu       sync.Mutex
	entries  map[string]*ipEntry
	burst    int
	rate     float64
	ttl      time.Duration
	logger   zerolog.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

func NewHandshakeLimiter(cfg HandshakeLimiterConfig) *HandshakeLimiter {
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	l := &HandshakeLimiter{
		entries: make(map[string]*ipEntry),
		burst:   cfg.IPBurst,
		rate:    cfg.IPRate,
		ttl:     cfg.IPTTL,
		logger:  cfg.Logger,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection attempt from ip is permitted.
func (l *HandshakeLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.entries[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.rate), l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeenAt = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	allowed := limiter.Allow()
	if !allowed {
		l.logger.Warn().Str("client_ip", ip).Msg("handshake rejected: IP rate limit exceeded")
	}
	return allowed
}

func (l *HandshakeLimiter) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *HandshakeLimiter) cleanup() {
	cutoff := time.Now().Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, entry := range l.entries {
		if entry.lastSeenAt.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (l *HandshakeLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
