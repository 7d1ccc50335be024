/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"context"
	"time"

	"github.com/friendsincode/foreman/internal/events"
	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/timeline"
)

// AvailabilitySource yields a machine's unavailable windows in [from, to).
type AvailabilitySource interface {
	Windows(ctx context.Context, machineID string, from, to time.Time) ([]timeline.Window, error)
}

// JobStore is the persistence the engine needs.
type JobStore interface {
	// GetJob returns ErrJobNotFound when the id is unknown.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	// JobsOnMachine returns SCHEDULED jobs assigned to the machine.
	JobsOnMachine(ctx context.Context, machineID string) ([]models.Job, error)
	MachineExists(ctx context.Context, machineID string) (bool, error)
	PersistJobUpdate(ctx context.Context, update models.JobUpdate) (*models.Job, error)
	// ApplyUpdates writes every update or none.
	ApplyUpdates(ctx context.Context, updates []models.JobUpdate) error
}

// Notifier receives schedule change events.
type Notifier = events.Publisher
