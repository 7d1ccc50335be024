/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/foreman/internal/availability"
	"github.com/friendsincode/foreman/internal/cache"
	"github.com/friendsincode/foreman/internal/config"
	"github.com/friendsincode/foreman/internal/db"
	"github.com/friendsincode/foreman/internal/eventbus"
	"github.com/friendsincode/foreman/internal/events"
	"github.com/friendsincode/foreman/internal/integrity"
	"github.com/friendsincode/foreman/internal/lock"
	"github.com/friendsincode/foreman/internal/queue"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/store"
)

// Components are the scheduling services shared by the HTTP server and
// the command line tools.
type Components struct {
	DB           *gorm.DB
	Store        *store.Gorm
	Cache        *cache.Cache
	Bus          events.Broker
	Availability *availability.Store
	Locker       lock.Locker
	Engine       *scheduling.Engine
	Resolver     *scheduling.Resolver
	Queue        *queue.Manager
	Validator    *scheduling.Validator
	Integrity    *integrity.Service

	closers []func() error
}

// Build connects to the database, migrates it and wires every service.
// Call Close when done.
func Build(cfg *config.Config, logger zerolog.Logger) (*Components, error) {
	database, err := db.Connect(cfg, logger)
	if err != nil {
		return nil, err
	}
	c := &Components{DB: database}
	c.deferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.wire(cfg, logger); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) wire(cfg *config.Config, logger zerolog.Logger) error {
	c.Cache = cache.Disabled(logger)
	if cfg.RedisCacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = cfg.RedisAddr
		cacheCfg.RedisPassword = cfg.RedisPassword
		cacheCfg.RedisDB = cfg.RedisDB
		cacheCfg.AvailabilityTTL = cfg.AvailabilityCacheTTL
		shared, err := cache.New(cacheCfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
		} else {
			c.Cache = shared
			c.deferClose(shared.Close)
		}
	}

	if cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Token = cfg.NATSToken
		bus := eventbus.NewNATSBus(natsCfg, cfg.InstanceID, logger)
		c.Bus = bus
		c.deferClose(bus.Close)
	} else {
		c.Bus = events.NewBus()
	}

	switch cfg.LockBackend {
	case config.LockRedis:
		client := c.Cache.Client()
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			c.deferClose(client.Close)
		}
		c.Locker = lock.NewRedis(client, lock.RedisConfig{
			KeyPrefix:     "foreman:lock:",
			LeaseDuration: 15 * time.Second,
			Timeout:       cfg.QueueLockTimeout,
		}, logger)
	case config.LockMemory:
		c.Locker = lock.NewMemory(cfg.QueueLockTimeout)
	default:
		return fmt.Errorf("unsupported lock backend %q", cfg.LockBackend)
	}

	c.Store = store.NewGorm(c.DB, logger)
	checker := scheduling.NewChecker(c.Store, logger)
	c.Availability = availability.New(c.Store, c.Cache, checker, c.Bus, c.Locker, availability.Config{
		TTL:             cfg.AvailabilityCacheTTL,
		DefaultLocation: cfg.Location(),
	}, logger)
	c.Store.OnAvailabilityWrite(c.Availability.Invalidate)

	c.Engine = scheduling.NewEngine(c.Store, c.Availability, c.Bus, scheduling.Config{
		Lookahead:   cfg.SchedulerLookahead,
		MaxSegments: cfg.MaxSegments,
	}, logger)
	c.Resolver = scheduling.NewResolver(c.Engine, c.Locker, logger)
	c.Queue = queue.NewManager(c.Engine, c.Locker, c.Bus, logger)
	c.Validator = scheduling.NewValidator(c.Engine, logger)
	c.Integrity = integrity.NewService(c.Store, c.Validator, integrity.Config{
		Interval:  cfg.AuditInterval,
		Lookahead: cfg.SchedulerLookahead,
	}, logger)
	return nil
}

func (c *Components) deferClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close releases owned resources in reverse order.
func (c *Components) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}
