/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/foreman/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.Machine{},
		&models.Job{},
		&models.MachineAvailability{},
	); err != nil {
		return err
	}

	if err := applyScheduledJobIndex(database); err != nil {
		return err
	}
	if err := normalizeLegacyJobStatus(database); err != nil {
		return err
	}

	return nil
}

// applyScheduledJobIndex adds a partial index covering the per-machine
// timeline lookup on backends that support it.
func applyScheduledJobIndex(database *gorm.DB) error {
	switch database.Dialector.Name() {
	case "postgres", "sqlite":
	default:
		return nil
	}

	stmt := `CREATE INDEX IF NOT EXISTS idx_jobs_machine_timeline
ON jobs (scheduled_machine_id, scheduled_start_time)
WHERE status = 'SCHEDULED'`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply scheduled job index: %w", err)
	}
	return nil
}

// normalizeLegacyJobStatus rewrites status spellings written by older
// clients and clears scheduling fields on rows that lost their machine.
func normalizeLegacyJobStatus(database *gorm.DB) error {
	if err := database.Exec("UPDATE jobs SET status = ? WHERE UPPER(TRIM(status)) IN ?",
		models.JobNotScheduled, []string{"NOT_SCHEDULED", "UNSCHEDULED", ""}).Error; err != nil {
		return fmt.Errorf("normalize legacy job status: %w", err)
	}
	if err := database.Exec("UPDATE jobs SET status = ?, scheduled_start_time = NULL, scheduled_end_time = NULL, segment_metadata = NULL WHERE status = ? AND scheduled_machine_id IS NULL",
		models.JobNotScheduled, models.JobScheduled).Error; err != nil {
		return fmt.Errorf("clear orphaned scheduled jobs: %w", err)
	}
	return nil
}
