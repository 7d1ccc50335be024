/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/telemetry"
)

const (
	defaultKeyPrefix = "foreman:lock:"

	// A holder must renew before this expires.
	defaultLeaseDuration = 15 * time.Second

	minRetryInterval = 25 * time.Millisecond
	maxRetryInterval = 500 * time.Millisecond
)

// Deletes the key only while the caller still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Extends the lease only while the caller still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisConfig configures the Redis lease lock.
type RedisConfig struct {
	KeyPrefix     string
	LeaseDuration time.Duration
	Timeout       time.Duration
}

// Redis is a Locker shared by every instance talking to the same Redis.
// Holders renew their lease in the background until released.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
	config RedisConfig
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "redis_lock").Logger(),
		config: cfg,
	}
}

// Acquire polls SET NX with backoff until the lock is held or the wait is over.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := r.config.KeyPrefix + key
	token := uuid.NewString()
	start := time.Now()
	deadline := start.Add(r.config.Timeout)
	wait := minRetryInterval

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.config.LeaseDuration).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().Add(wait).After(deadline) {
			telemetry.LockTimeoutsTotal.WithLabelValues("redis").Inc()
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxRetryInterval {
			wait = maxRetryInterval
		}
	}
	telemetry.QueueLockWaitSeconds.WithLabelValues("redis").Observe(time.Since(start).Seconds())

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.logger.Error().Err(err).Str("key", key).Msg("failed to release lock")
			}
		})
	}, nil
}

func (r *Redis) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.config.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.config.LeaseDuration/3)
			n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.config.LeaseDuration.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn().Err(err).Str("key", redisKey).Msg("lock renewal failed")
				continue
			}
			if n == 0 {
				r.logger.Error().Str("key", redisKey).Msg("lock lease lost while held")
				return
			}
		}
	}
}
