/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// LockBackend selects how per-machine locks are held.
type LockBackend string

const (
	LockMemory LockBackend = "memory"
	LockRedis  LockBackend = "redis"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string
	MetricsBind string
	LogLevel    string
	LogFormat   string // console or json

	// Scheduling
	Timezone           string // default IANA zone for machines without one
	SchedulerLookahead time.Duration
	MaxSegments        int
	QueueLockTimeout   time.Duration
	LockBackend        LockBackend
	AuditInterval      time.Duration // 0 disables the periodic timeline audit

	// Availability cache
	AvailabilityCacheTTL time.Duration
	RedisCacheEnabled    bool

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	NATSToken     string
	InstanceID    string

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"FOREMAN_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"FOREMAN_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"FOREMAN_HTTP_PORT", "PORT"}, 8080),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"FOREMAN_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:       getEnvAny([]string{"FOREMAN_DB_DSN", "DATABASE_URL"}, ""),
		MetricsBind: getEnvAny([]string{"FOREMAN_METRICS_BIND"}, "127.0.0.1:9000"),
		LogLevel:    getEnvAny([]string{"FOREMAN_LOG_LEVEL"}, ""),
		LogFormat:   getEnvAny([]string{"FOREMAN_LOG_FORMAT"}, "console"),

		Timezone:           getEnvAny([]string{"FOREMAN_TIMEZONE", "TZ"}, "UTC"),
		SchedulerLookahead: time.Duration(getEnvIntAny([]string{"FOREMAN_LOOKAHEAD_DAYS"}, 7)) * 24 * time.Hour,
		MaxSegments:        getEnvIntAny([]string{"FOREMAN_MAX_SEGMENTS"}, 100),
		QueueLockTimeout:   time.Duration(getEnvIntAny([]string{"FOREMAN_QUEUE_LOCK_TIMEOUT_SECONDS"}, 30)) * time.Second,
		LockBackend:        LockBackend(getEnvAny([]string{"FOREMAN_LOCK_BACKEND"}, string(LockMemory))),
		AuditInterval:      time.Duration(getEnvIntAny([]string{"FOREMAN_AUDIT_INTERVAL_MINUTES"}, 15)) * time.Minute,

		AvailabilityCacheTTL: time.Duration(getEnvIntAny([]string{"FOREMAN_AVAILABILITY_CACHE_TTL_SECONDS"}, 300)) * time.Second,
		RedisCacheEnabled:    getEnvBoolAny([]string{"FOREMAN_REDIS_CACHE_ENABLED"}, false),

		TracingEnabled:    getEnvBoolAny([]string{"FOREMAN_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"FOREMAN_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"FOREMAN_TRACING_SAMPLE_RATE"}, 1.0),

		RedisAddr:     getEnvAny([]string{"FOREMAN_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"FOREMAN_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"FOREMAN_REDIS_DB"}, 0),
		NATSURL:       getEnvAny([]string{"FOREMAN_NATS_URL"}, ""),
		NATSToken:     getEnvAny([]string{"FOREMAN_NATS_TOKEN"}, ""),
		InstanceID:    getEnvAny([]string{"FOREMAN_INSTANCE_ID", "HOSTNAME"}, ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		if cfg.DBBackend != DatabaseSQLite {
			return nil, fmt.Errorf("FOREMAN_DB_DSN or DATABASE_URL must be provided for %s", cfg.DBBackend)
		}
		cfg.DBDSN = "foreman.db"
	}

	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	if cfg.LockBackend != LockMemory && cfg.LockBackend != LockRedis {
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.LockBackend)
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid FOREMAN_TIMEZONE %q: %w", cfg.Timezone, err)
	}

	if cfg.SchedulerLookahead <= 0 {
		return nil, fmt.Errorf("FOREMAN_LOOKAHEAD_DAYS must be positive")
	}
	if cfg.AuditInterval < 0 {
		return nil, fmt.Errorf("FOREMAN_AUDIT_INTERVAL_MINUTES must not be negative")
	}
	if cfg.MaxSegments <= 0 {
		return nil, fmt.Errorf("FOREMAN_MAX_SEGMENTS must be positive")
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.LockBackend == LockMemory && cfg.NATSURL != "" {
		return nil, fmt.Errorf("FOREMAN_LOCK_BACKEND=redis is required when running several instances in production")
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// Location returns the default machine timezone.
func (c *Config) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":         "use FOREMAN_ENV",
		"LOOKAHEAD_DAYS":      "use FOREMAN_LOOKAHEAD_DAYS",
		"REDIS_URL":           "use FOREMAN_REDIS_ADDR",
		"NATS_URL":            "use FOREMAN_NATS_URL",
		"TRACING_ENABLED":     "use FOREMAN_TRACING_ENABLED",
		"OTLP_ENDPOINT":       "use FOREMAN_OTLP_ENDPOINT",
		"TRACING_SAMPLE_RATE": "use FOREMAN_TRACING_SAMPLE_RATE",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
