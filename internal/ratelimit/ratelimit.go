// Package ratelimit implements the sliding-window tool call counter spec
// §4.3 step 4 describes ("each tool may carry {max_calls, window_secs}; a
// sliding-window counter rejects with ResourceLimitExceeded when
// exceeded"). Grounded on the teacher's internal/orchestrator/dedupe.go
// for Redis client construction, generalized from a simple Get/Set
// idempotency store into a ZSET-based sliding window, with an in-process
// fallback for when no Redis is configured (SPEC_FULL §B).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a call under key is allowed within the last
// window, given max calls.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// RedisLimiter implements a sliding-window counter using a sorted set per
// key: each call adds a member scored by its timestamp, members older
// than the window are trimmed, and the remaining cardinality is compared
// against max.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter constructs a RedisLimiter against addr (e.g.
// "localhost:6379"), pinging to validate the connection.
func NewRedisLimiter(addr string) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisLimiter{client: client}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	now := time.Now()
	member := now.UnixNano()
	zkey := "ratelimit:" + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", itoa(now.Add(-window).UnixNano()))
	card := pipe.ZCard(ctx, zkey)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(member), Member: member})
	pipe.Expire(ctx, zkey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	count, err := card.Result()
	if err != nil {
		return false, err
	}
	return int(count) < max, nil
}

// Close closes the underlying Redis client.
func (l *RedisLimiter) Close() error { return l.client.Close() }

func itoa(v int64) string {
	if v < 0 {
		v = 0
	}
	buf := [20]byte{}
	i := len(buf)
	if v == 0 {
		return "0"
	}
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// InProcessLimiter is the fallback used when no Redis is configured: the
// same sliding-window semantics kept in memory, scoped to this process.
type InProcessLimiter struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewInProcessLimiter constructs an in-memory sliding-window limiter.
func NewInProcessLimiter() *InProcessLimiter {
	return &InProcessLimiter{calls: map[string][]time.Time{}}
}

func (l *InProcessLimiter) Allow(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	kept := l.calls[key][:0]
	for _, t := range l.calls[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		l.calls[key] = kept
		return false, nil
	}
	l.calls[key] = append(kept, now)
	return true, nil
}
