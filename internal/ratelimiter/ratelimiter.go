// Copyright 2025 James Ross

// Package ratelimiter enforces a per-minute request and token budget
// shared across all workers, grounded on
// original_source/app/services/rate_limiter.py's token-bucket Lua
// scripts. Atomicity is kept by running the same check-and-decrement
// logic as a Redis Lua script via Eval, following
// internal/exactly_once/idempotency.go's Eval idiom.
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vtag/pipeline/internal/obs"
)

const windowSize = 60 * time.Second

var acquireScript = redis.NewScript(`
local current_tokens = tonumber(redis.call('get', KEYS[1]))
local current_requests = tonumber(redis.call('get', KEYS[2]))
local tokens_needed = tonumber(ARGV[1])
local max_requests = tonumber(ARGV[2])

if current_tokens >= tokens_needed and current_requests < max_requests then
	redis.call('decrby', KEYS[1], tokens_needed)
	redis.call('incr', KEYS[2])
	return 1
end
return 0
`)

var resetScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local last_reset = tonumber(redis.call('get', KEYS[1]))

if (now - last_reset) >= 60 then
	redis.call('set', KEYS[2], ARGV[2])
	redis.call('set', KEYS[3], '0')
	redis.call('set', KEYS[1], now)
	return 1
end
return 0
`)

type Limiter struct {
	rdb          *redis.Client
	keyPrefix    string
	maxRequests  int
	maxTokens    int
	pollInterval time.Duration
	enabled      bool
}

func New(rdb *redis.Client, keyPrefix string, maxRequestsMin, maxTokensMin int, pollInterval time.Duration, enabled bool) *Limiter {
	return &Limiter{
		rdb:          rdb,
		keyPrefix:    keyPrefix,
		maxRequests:  maxRequestsMin,
		maxTokens:    maxTokensMin,
		pollInterval: pollInterval,
		enabled:      enabled,
	}
}

func (l *Limiter) tokenBucketKey() string   { return l.keyPrefix + ":token_bucket" }
func (l *Limiter) requestCountKey() string  { return l.keyPrefix + ":request_count" }
func (l *Limiter) lastResetTimeKey() string { return l.keyPrefix + ":last_reset_time" }

// Init seeds the bucket keys once, mirroring _init_state's
// exists-check before populating the window.
func (l *Limiter) Init(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	exists, err := l.rdb.Exists(ctx, l.lastResetTimeKey()).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	now := time.Now().Unix()
	pipe := l.rdb.TxPipeline()
	pipe.Set(ctx, l.tokenBucketKey(), l.maxTokens, 0)
	pipe.Set(ctx, l.requestCountKey(), 0, 0)
	pipe.Set(ctx, l.lastResetTimeKey(), now, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (l *Limiter) checkAndResetWindow(ctx context.Context) error {
	now := time.Now().Unix()
	last, err := l.rdb.Get(ctx, l.lastResetTimeKey()).Int64()
	if err != nil && err != redis.Nil {
		return err
	}
	if time.Duration(now-last)*time.Second < windowSize {
		return nil
	}
	return resetScript.Run(ctx, l.rdb,
		[]string{l.lastResetTimeKey(), l.tokenBucketKey(), l.requestCountKey()},
		now, l.maxTokens,
	).Err()
}

// Acquire blocks until tokens are available within the current
// minute's budget, polling at pollInterval, mirroring acquire's
// sleep(0.1)-and-retry loop. When the limiter is disabled it returns
// immediately.
func (l *Limiter) Acquire(ctx context.Context, tokens int) error {
	if !l.enabled {
		return nil
	}
	if tokens <= 0 {
		return fmt.Errorf("ratelimiter: tokens must be positive")
	}
	if tokens > l.maxTokens {
		return fmt.Errorf("ratelimiter: requested tokens %d exceed budget %d", tokens, l.maxTokens)
	}

	for {
		if err := l.checkAndResetWindow(ctx); err != nil {
			return err
		}
		result, err := acquireScript.Run(ctx, l.rdb,
			[]string{l.tokenBucketKey(), l.requestCountKey()},
			tokens, l.maxRequests,
		).Int()
		if err != nil {
			return err
		}
		if result == 1 {
			return nil
		}

		obs.RateLimiterThrottled.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}
