// Package ratelimit throttles outbound Telegram Bot API calls and inbound
// user commands.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Telegram allows roughly 30 requests per second overall and one message per
// second to a single chat.
const (
	globalPerSecond = 30
	chatInterval    = time.Second
	chatBurst       = 3
)

// Bucket holds the limiter for one chat plus any server-imposed pause
type Bucket struct {
	BlockedUntil time.Time     // Set from a 429 retry_after
	limiter      *rate.Limiter // Token bucket rate limiter
	mu           sync.Mutex
}

// RateLimiter manages a global token bucket and per-chat buckets
type RateLimiter struct {
	global  *rate.Limiter
	buckets map[string]*Bucket // chat key -> bucket
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Limit(globalPerSecond), globalPerSecond),
		buckets: make(map[string]*Bucket),
		logger:  logger,
	}
}

// getBucket retrieves or creates a bucket for a chat
func (rl *RateLimiter) getBucket(key string) *Bucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if bucket, exists := rl.buckets[key]; exists {
		return bucket
	}

	bucket = &Bucket{
		limiter: rate.NewLimiter(rate.Every(chatInterval), chatBurst),
	}
	rl.buckets[key] = bucket
	return bucket
}

// Wait blocks until a request to the chat identified by key may be sent.
// An empty key only waits on the global bucket.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if key != "" {
		bucket := rl.getBucket(key)

		bucket.mu.Lock()
		blockedUntil := bucket.BlockedUntil
		limiter := bucket.limiter
		bucket.mu.Unlock()

		if wait := time.Until(blockedUntil); wait > 0 {
			rl.logger.Warn("chat is rate limited, waiting",
				zap.String("chat", key),
				zap.Duration("wait_duration", wait),
			)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("rate limiter wait failed: %w", ctx.Err())
			case <-timer.C:
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	if err := rl.global.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	return nil
}

// Backoff records a 429 retry_after for the chat. The failed call is not
// retried; later calls wait until the pause has passed.
func (rl *RateLimiter) Backoff(key string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}

	bucket := rl.getBucket(key)
	bucket.mu.Lock()
	bucket.BlockedUntil = time.Now().Add(retryAfter)
	bucket.mu.Unlock()

	rl.logger.Warn("rate limited by Telegram API",
		zap.String("chat", key),
		zap.Duration("retry_after", retryAfter),
	)
}

// BlockedUntil returns the pause recorded for a chat, if any
func (rl *RateLimiter) BlockedUntil(key string) time.Time {
	bucket := rl.getBucket(key)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	return bucket.BlockedUntil
}

// Reset clears all rate limit buckets (useful for testing)
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.buckets = make(map[string]*Bucket)
	rl.logger.Info("rate limiter reset")
}
