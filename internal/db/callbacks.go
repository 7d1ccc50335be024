/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/foreman/internal/telemetry"
)

const startedKey = "foreman:statement_started"

// DefaultSlowStatement is the threshold above which statements are logged.
const DefaultSlowStatement = 250 * time.Millisecond

// registrar hooks start and done around one gorm operation.
type registrar struct {
	operation string
	register  func(d *gorm.DB, start, done func(*gorm.DB)) error
}

func registrars() []registrar {
	return []registrar{
		{"query", func(d *gorm.DB, start, done func(*gorm.DB)) error {
			if err := d.Callback().Query().Before("gorm:query").Register("foreman:start_query", start); err != nil {
				return err
			}
			return d.Callback().Query().After("gorm:query").Register("foreman:observe_query", done)
		}},
		{"create", func(d *gorm.DB, start, done func(*gorm.DB)) error {
			if err := d.Callback().Create().Before("gorm:create").Register("foreman:start_create", start); err != nil {
				return err
			}
			return d.Callback().Create().After("gorm:create").Register("foreman:observe_create", done)
		}},
		{"update", func(d *gorm.DB, start, done func(*gorm.DB)) error {
			if err := d.Callback().Update().Before("gorm:update").Register("foreman:start_update", start); err != nil {
				return err
			}
			return d.Callback().Update().After("gorm:update").Register("foreman:observe_update", done)
		}},
		{"delete", func(d *gorm.DB, start, done func(*gorm.DB)) error {
			if err := d.Callback().Delete().Before("gorm:delete").Register("foreman:start_delete", start); err != nil {
				return err
			}
			return d.Callback().Delete().After("gorm:delete").Register("foreman:observe_delete", done)
		}},
		{"raw", func(d *gorm.DB, start, done func(*gorm.DB)) error {
			if err := d.Callback().Raw().Before("gorm:raw").Register("foreman:start_raw", start); err != nil {
				return err
			}
			return d.Callback().Raw().After("gorm:raw").Register("foreman:observe_raw", done)
		}},
	}
}

// Instrument times every statement, counts failures per table and logs
// statements slower than slow. A zero slow disables the log line.
func Instrument(database *gorm.DB, logger zerolog.Logger, slow time.Duration) error {
	log := logger.With().Str("component", "db").Logger()
	for _, r := range registrars() {
		if err := r.register(database, markStart, observe(r.operation, log, slow)); err != nil {
			return fmt.Errorf("register %s callbacks: %w", r.operation, err)
		}
	}
	return nil
}

func markStart(tx *gorm.DB) {
	tx.InstanceSet(startedKey, time.Now())
}

func observe(operation string, log zerolog.Logger, slow time.Duration) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		v, ok := tx.InstanceGet(startedKey)
		if !ok {
			return
		}
		started, ok := v.(time.Time)
		if !ok {
			return
		}
		elapsed := time.Since(started)

		table := tx.Statement.Table
		if table == "" {
			table = "unknown"
		}
		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(elapsed.Seconds())

		if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, table).Inc()
		}
		if slow > 0 && elapsed >= slow {
			log.Warn().
				Str("operation", operation).
				Str("table", table).
				Int64("rows", tx.RowsAffected).
				Dur("elapsed", elapsed).
				Msg("slow statement")
		}
	}
}

// RecordPoolStats publishes the open connection count.
func RecordPoolStats(database *gorm.DB) {
	sqlDB, err := database.DB()
	if err != nil {
		return
	}
	telemetry.DatabaseConnectionsActive.Set(float64(sqlDB.Stats().OpenConnections))
}
