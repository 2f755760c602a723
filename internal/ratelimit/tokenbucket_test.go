package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	b := NewTokenBucket(3, 1) // 3 capacity, 1/sec refill
	assert.True(t, b.TryConsume(1))
	assert.True(t, b.TryConsume(1))
	assert.True(t, b.TryConsume(1))
	assert.False(t, b.TryConsume(1), "bucket should be empty after burst")

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, b.TryConsume(1), "bucket should have refilled at least one token")
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	b := NewTokenBucket(2, 100)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.TryConsume(2))
	assert.False(t, b.TryConsume(1))
}

func TestConnectionLimiter_PerConnectionIsolation(t *testing.T) {
	l := NewConnectionLimiter(1, 1)
	assert.True(t, l.CheckLimit(1))
	assert.False(t, l.CheckLimit(1), "connection 1 bucket should be empty")
	assert.True(t, l.CheckLimit(2), "connection 2 must have its own bucket")
}

func TestConnectionLimiter_ConcurrentAccessIsSafe(t *testing.T) {
	l := NewConnectionLimiter(1000, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l.CheckLimit(id % 5)
			}
		}(int64(i))
	}
	wg.Wait()
}
