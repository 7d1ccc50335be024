/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based shared cache for machine availability.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values for different cache types
const (
	DefaultAvailabilityTTL = 5 * time.Minute
	DefaultMachineTTL      = 30 * time.Minute
	DefaultRetryAfter      = 30 * time.Second
)

// Key prefixes for Redis cache
const (
	keyRoot         = "foreman:cache:"
	KeyAvailability = keyRoot + "availability:" // + machine_id:date
	KeyMachine      = keyRoot + "machine:"      // + machine_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AvailabilityTTL time.Duration
	MachineTTL      time.Duration

	// Fallback behavior
	DisableOnError bool          // stop using Redis after an error
	RetryAfter     time.Duration // how long a tripped cache stays off
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:       "localhost:6379",
		AvailabilityTTL: DefaultAvailabilityTTL,
		MachineTTL:      DefaultMachineTTL,
		DisableOnError:  true,
		RetryAfter:      DefaultRetryAfter,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu            sync.RWMutex
	disabledUntil time.Time // circuit breaker; zero means closed
	permanent     bool      // no client at all
}

// New creates a new cache instance. An unreachable server yields a cache
// that always misses.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	logger = logger.With().Str("component", "cache").Logger()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without shared cache")
		_ = client.Close()
		return Disabled(logger), nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = DefaultAvailabilityTTL
	}
	if cfg.MachineTTL <= 0 {
		cfg.MachineTTL = DefaultMachineTTL
	}
	return &Cache{client: client, logger: logger, config: cfg}
}

// Disabled returns a cache that never stores anything.
func Disabled(logger zerolog.Logger) *Cache {
	return &Cache{logger: logger, config: DefaultConfig(), permanent: true}
}

// Client exposes the underlying Redis client, nil when disabled.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c.permanent || c.client == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disabledUntil.IsZero() || time.Now().After(c.disabledUntil)
}

// handleError trips the circuit breaker on Redis errors.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		retry := c.config.RetryAfter
		if retry <= 0 {
			retry = DefaultRetryAfter
		}
		c.mu.Lock()
		c.disabledUntil = time.Now().Add(retry)
		c.mu.Unlock()
		c.logger.Warn().Dur("retry_after", retry).Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes keys from cache.
func (c *Cache) delete(ctx context.Context, keys ...string) error {
	if !c.IsAvailable() || len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// SCAN instead of KEYS to avoid blocking the server.
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if err := c.delete(ctx, keys...); err != nil {
			return err
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Availability caching methods

// CachedAvailability is the unavailable-hour set of one machine-day.
type CachedAvailability struct {
	MachineID        string `json:"machine_id"`
	Date             string `json:"date"`
	UnavailableHours []int  `json:"unavailable_hours"`
}

// AvailabilityKey builds the Redis key for a machine-day.
func AvailabilityKey(machineID, date string) string {
	return KeyAvailability + machineID + ":" + date
}

// GetAvailability retrieves a cached machine-day.
func (c *Cache) GetAvailability(ctx context.Context, machineID, date string) (*CachedAvailability, bool) {
	var entry CachedAvailability
	found, err := c.get(ctx, AvailabilityKey(machineID, date), &entry)
	if err != nil || !found {
		return nil, false
	}
	return &entry, true
}

// SetAvailability caches a machine-day.
func (c *Cache) SetAvailability(ctx context.Context, entry CachedAvailability) error {
	return c.set(ctx, AvailabilityKey(entry.MachineID, entry.Date), entry, c.config.AvailabilityTTL)
}

// InvalidateAvailability removes cached machine-days. No dates means every
// date of the machine.
func (c *Cache) InvalidateAvailability(ctx context.Context, machineID string, dates ...string) error {
	c.logger.Debug().Str("machine_id", machineID).Strs("dates", dates).Msg("invalidating availability cache")
	if len(dates) == 0 {
		return c.deletePattern(ctx, KeyAvailability+machineID+":*")
	}
	keys := make([]string, len(dates))
	for i, d := range dates {
		keys[i] = AvailabilityKey(machineID, d)
	}
	return c.delete(ctx, keys...)
}

// Machine caching methods

// CachedMachine holds the fields the availability layer needs.
type CachedMachine struct {
	ID       string `json:"id"`
	Timezone string `json:"timezone"`
	Active   bool   `json:"active"`
}

// GetMachine retrieves a cached machine.
func (c *Cache) GetMachine(ctx context.Context, machineID string) (*CachedMachine, bool) {
	var m CachedMachine
	found, err := c.get(ctx, KeyMachine+machineID, &m)
	if err != nil || !found {
		return nil, false
	}
	return &m, true
}

// SetMachine caches a machine.
func (c *Cache) SetMachine(ctx context.Context, m CachedMachine) error {
	return c.set(ctx, KeyMachine+m.ID, m, c.config.MachineTTL)
}

// InvalidateMachine removes every cache entry of a machine.
func (c *Cache) InvalidateMachine(ctx context.Context, machineID string) error {
	if err := c.delete(ctx, KeyMachine+machineID); err != nil {
		return err
	}
	return c.InvalidateAvailability(ctx, machineID)
}

// FlushAll removes all cached data (use sparingly).
func (c *Cache) FlushAll(ctx context.Context) error {
	c.logger.Warn().Msg("flushing all cache data")
	return c.deletePattern(ctx, keyRoot+"*")
}
