// Package ratelimit implements the per-connection token bucket and the
// per-IP handshake throttle (spec component C).
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a simple capacity/refill-rate limiter. Each connection
// owns one, so there is zero cross-connection contention.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func NewTokenBucket(maxTokens, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// TryConsume attempts to consume `tokens` tokens, refilling based on
// elapsed time since the last call. Returns true if the tokens were
// available and consumed.
func (b *TokenBucket) TryConsume(tokens float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}

	if b.tokens >= tokens {
		b.tokens -= tokens
		return true
	}
	return false
}

// ConnectionLimiter wraps one TokenBucket per connection, keyed by
// connection ID, implementing the dispatcher-facing per-envelope check.
type ConnectionLimiter struct {
	capacity   float64
	refillRate float64

	mu      sync.Mutex
	buckets map[int64]*TokenBucket
}

func NewConnectionLimiter(capacity, refillRate float64) *ConnectionLimiter {
	return &ConnectionLimiter{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[int64]*TokenBucket),
	}
}

// CheckLimit consumes one token for connectionID's bucket, creating the
// bucket on first use.
func (l *ConnectionLimiter) CheckLimit(connectionID int64) bool {
	l.mu.Lock()
	b, ok := l.buckets[connectionID]
	if !ok {
		b = NewTokenBucket(l.capacity, l.refillRate)
		l.buckets[connectionID] = b
	}
	l.mu.Unlock()

	return b.TryConsume(1)
}

// RemoveConnection frees the bucket for a closed connection.
func (l *ConnectionLimiter) RemoveConnection(connectionID int64) {
	l.mu.Lock()
	delete(l.buckets, connectionID)
	l.mu.Unlock()
}
