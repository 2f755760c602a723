// Package session implements a Redis-backed session-revocation cache
// consulted by the Auth Verifier on every token verification, so a
// logout or admin ban elsewhere in the system propagates to already-open
// gateway connections without waiting for the JWT's natural expiry.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationCache marks sessionIds as revoked ahead of their token's
// natural expiry, and answers membership checks for the Auth Verifier.
type RevocationCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRevocationCache(url string, ttl time.Duration) (*RevocationCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RevocationCache{client: client, ttl: ttl}, nil
}

func (c *RevocationCache) key(sessionID string) string {
	return "gateway:session:revoked:" + sessionID
}

// Revoke marks sessionID as revoked. The entry expires after ttl (which
// should be at least as long as the longest-lived token it might guard)
// so the set doesn't grow unbounded.
func (c *RevocationCache) Revoke(ctx context.Context, sessionID string) error {
	ttl := c.ttl
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return c.client.Set(ctx, c.key(sessionID), "1", ttl).Err()
}

// IsRevoked implements auth.RevocationChecker. It fails open (not revoked,
// no error) only when ctx itself is canceled or past its deadline; any other
// Redis error, a connection failure included, is returned to the caller.
func (c *RevocationCache) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(sessionID)).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}

func (c *RevocationCache) Close() error {
	return c.client.Close()
}
