/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
)

// Gorm is the relational Store.
type Gorm struct {
	db     *gorm.DB
	logger zerolog.Logger
	hooks  hooks
}

// NewGorm wraps a migrated database.
func NewGorm(db *gorm.DB, logger zerolog.Logger) *Gorm {
	return &Gorm{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// DB exposes the underlying handle.
func (s *Gorm) DB() *gorm.DB {
	return s.db
}

// SaveMachine creates or replaces a machine.
func (s *Gorm) SaveMachine(ctx context.Context, m *models.Machine) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("save machine %s: %w", m.ID, err)
	}
	return nil
}

// GetMachine retrieves a machine by ID.
func (s *Gorm) GetMachine(ctx context.Context, machineID string) (*models.Machine, error) {
	var m models.Machine
	err := s.db.WithContext(ctx).First(&m, "id = ?", machineID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrMachineNotFound, machineID)
	}
	if err != nil {
		return nil, fmt.Errorf("get machine %s: %w", machineID, err)
	}
	return &m, nil
}

// ListMachines returns all machines ordered by ID.
func (s *Gorm) ListMachines(ctx context.Context) ([]models.Machine, error) {
	var out []models.Machine
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	return out, nil
}

// MachineExists reports whether the machine is known.
func (s *Gorm) MachineExists(ctx context.Context, machineID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Machine{}).Where("id = ?", machineID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check machine %s: %w", machineID, err)
	}
	return count > 0, nil
}

// SaveJob creates or replaces a job.
func (s *Gorm) SaveJob(ctx context.Context, j *models.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = models.JobNotScheduled
	}
	if err := s.db.WithContext(ctx).Save(j).Error; err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Gorm) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var j models.Job
	err := s.db.WithContext(ctx).First(&j, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &j, nil
}

// JobsOnMachine returns SCHEDULED jobs on the machine ordered by start time.
func (s *Gorm) JobsOnMachine(ctx context.Context, machineID string) ([]models.Job, error) {
	var out []models.Job
	err := s.db.WithContext(ctx).
		Where("scheduled_machine_id = ? AND status = ?", machineID, models.JobScheduled).
		Order("scheduled_start_time ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("jobs on machine %s: %w", machineID, err)
	}
	return out, nil
}

// PersistJobUpdate writes one update and returns the fresh row.
func (s *Gorm) PersistJobUpdate(ctx context.Context, u models.JobUpdate) (*models.Job, error) {
	if err := s.ApplyUpdates(ctx, []models.JobUpdate{u}); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, u.JobID)
}

// ApplyUpdates writes every update in one transaction.
func (s *Gorm) ApplyUpdates(ctx context.Context, updates []models.JobUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			res := tx.Model(&models.Job{}).Where("id = ?", u.JobID).Updates(u.Columns())
			if res.Error != nil {
				return fmt.Errorf("update job %s: %w", u.JobID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", scheduling.ErrJobNotFound, u.JobID)
			}
		}
		return nil
	})
}

// GetAvailability returns the record for a machine-day or nil.
func (s *Gorm) GetAvailability(ctx context.Context, machineID, date string) (*models.MachineAvailability, error) {
	var rec models.MachineAvailability
	err := s.db.WithContext(ctx).Where("machine_id = ? AND date = ?", machineID, date).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get availability %s %s: %w", machineID, date, err)
	}
	return &rec, nil
}

// AvailabilityRange returns the machine's records between two dates inclusive.
func (s *Gorm) AvailabilityRange(ctx context.Context, machineID, fromDate, toDate string) ([]models.MachineAvailability, error) {
	var out []models.MachineAvailability
	err := s.db.WithContext(ctx).
		Where("machine_id = ? AND date >= ? AND date <= ?", machineID, fromDate, toDate).
		Order("date ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("availability range %s: %w", machineID, err)
	}
	return out, nil
}

// SaveAvailability replaces the unavailable hours of a machine-day.
func (s *Gorm) SaveAvailability(ctx context.Context, machineID, date string, hours []int, note string) (*models.MachineAvailability, error) {
	var rec models.MachineAvailability
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("machine_id = ? AND date = ?", machineID, date).First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = models.MachineAvailability{ID: uuid.NewString(), MachineID: machineID, Date: date}
		case err != nil:
			return err
		}
		rec.UnavailableHours = models.NormalizeHours(hours)
		rec.Note = note
		return tx.Save(&rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save availability %s %s: %w", machineID, date, err)
	}

	s.logger.Debug().Str("machine_id", machineID).Str("date", date).Ints("hours", rec.UnavailableHours).Msg("availability saved")
	s.hooks.fire(ctx, machineID, date)
	return &rec, nil
}

// OnAvailabilityWrite registers an invalidation hook.
func (s *Gorm) OnAvailabilityWrite(hook AvailabilityHook) {
	s.hooks.add(hook)
}
