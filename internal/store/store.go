/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store persists machines, jobs and machine availability.
package store

import (
	"context"
	"sync"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
)

// Store is everything the service needs from persistence.
type Store interface {
	scheduling.JobStore

	SaveMachine(ctx context.Context, m *models.Machine) error
	GetMachine(ctx context.Context, machineID string) (*models.Machine, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	SaveJob(ctx context.Context, j *models.Job) error

	// GetAvailability returns nil without error when the day has no record.
	GetAvailability(ctx context.Context, machineID, date string) (*models.MachineAvailability, error)
	// AvailabilityRange returns records with fromDate <= date <= toDate.
	AvailabilityRange(ctx context.Context, machineID, fromDate, toDate string) ([]models.MachineAvailability, error)
	SaveAvailability(ctx context.Context, machineID, date string, hours []int, note string) (*models.MachineAvailability, error)

	// OnAvailabilityWrite registers a hook run after every availability write.
	OnAvailabilityWrite(hook AvailabilityHook)
}

// AvailabilityHook is told which machine-day changed.
type AvailabilityHook func(ctx context.Context, machineID, date string)

type hooks struct {
	mu   sync.RWMutex
	list []AvailabilityHook
}

func (h *hooks) add(hook AvailabilityHook) {
	h.mu.Lock()
	h.list = append(h.list, hook)
	h.mu.Unlock()
}

func (h *hooks) fire(ctx context.Context, machineID, date string) {
	h.mu.RLock()
	list := append([]AvailabilityHook(nil), h.list...)
	h.mu.RUnlock()
	for _, hook := range list {
		hook(ctx, machineID, date)
	}
}
