package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	rdb "github.com/redis/go-redis/v9"
)

// Result describes the outcome of one command admission check
type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

// CommandLimiter caps how many agent commands one identity may run per window
type CommandLimiter interface {
	Allow(ctx context.Context, telegramID int64) (Result, error)
}

// RedisCommandLimiter is a fixed-window limiter (INCR + EXPIRE) shared by
// every replica.
type RedisCommandLimiter struct {
	Client *rdb.Client
	Prefix string
	Max    int64
	Window time.Duration
}

// NewRedisCommandLimiter creates a limiter backed by Redis
func NewRedisCommandLimiter(client *rdb.Client, max int, window time.Duration) *RedisCommandLimiter {
	return &RedisCommandLimiter{
		Client: client,
		Prefix: "towerbot:cmd:",
		Max:    int64(max),
		Window: window,
	}
}

// Allow counts one command for the identity
func (l *RedisCommandLimiter) Allow(ctx context.Context, telegramID int64) (Result, error) {
	winStart := time.Now().UTC().Truncate(l.Window)
	key := l.Prefix + strconv.FormatInt(telegramID, 10) + ":" + strconv.FormatInt(winStart.Unix(), 10)

	// The expiry is set in the same transaction as the first hit, so a
	// window key can never outlive its window.
	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.Window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to count command: %w", err)
	}

	return windowResult(incr.Val(), l.Max, ttl.Val(), l.Window), nil
}

// MemoryCommandLimiter is the single-process fallback used without Redis
type MemoryCommandLimiter struct {
	c      *gocache.Cache
	max    int64
	window time.Duration
}

// NewMemoryCommandLimiter creates an in-process fixed-window limiter
func NewMemoryCommandLimiter(max int, window time.Duration) *MemoryCommandLimiter {
	return &MemoryCommandLimiter{
		c:      gocache.New(window, time.Minute),
		max:    int64(max),
		window: window,
	}
}

// Allow counts one command for the identity
func (l *MemoryCommandLimiter) Allow(_ context.Context, telegramID int64) (Result, error) {
	winStart := time.Now().Truncate(l.window)
	key := strconv.FormatInt(telegramID, 10) + ":" + strconv.FormatInt(winStart.Unix(), 10)

	_ = l.c.Add(key, int64(0), l.window)
	hits, err := l.c.IncrementInt64(key, 1)
	if err != nil {
		// expired between Add and Increment
		l.c.Set(key, int64(1), l.window)
		hits = 1
	}

	return windowResult(hits, l.max, time.Until(winStart.Add(l.window)), l.window), nil
}

func windowResult(hits, max int64, ttl, window time.Duration) Result {
	remaining := max - hits
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:     hits <= max,
		Remaining:   remaining,
		CurrentHits: hits,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Duration(math.Ceil(window.Seconds())) * time.Second
		}
	}
	return res
}
