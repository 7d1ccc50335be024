/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
)

// Memory is an in-memory Store used by tests and single-process demos.
type Memory struct {
	mu           sync.RWMutex
	machines     map[string]models.Machine
	jobs         map[string]models.Job
	availability map[string]models.MachineAvailability // machineID|date

	hooks hooks
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		machines:     make(map[string]models.Machine),
		jobs:         make(map[string]models.Job),
		availability: make(map[string]models.MachineAvailability),
		now:          time.Now,
	}
}

func dayKey(machineID, date string) string {
	return machineID + "|" + date
}

// Machine operations

// SaveMachine creates or replaces a machine.
func (s *Memory) SaveMachine(_ context.Context, m *models.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if existing, ok := s.machines[m.ID]; ok {
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.machines[m.ID] = *m
	return nil
}

// GetMachine retrieves a machine by ID.
func (s *Memory) GetMachine(_ context.Context, machineID string) (*models.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[machineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrMachineNotFound, machineID)
	}
	return &m, nil
}

// ListMachines returns all machines ordered by ID.
func (s *Memory) ListMachines(_ context.Context) ([]models.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MachineExists reports whether the machine is known.
func (s *Memory) MachineExists(_ context.Context, machineID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.machines[machineID]
	return ok, nil
}

// Job operations

// SaveJob creates or replaces a job.
func (s *Memory) SaveJob(_ context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = models.JobNotScheduled
	}
	now := s.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.jobs[j.ID] = *j
	return nil
}

// GetJob retrieves a job by ID.
func (s *Memory) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrJobNotFound, jobID)
	}
	return &j, nil
}

// JobsOnMachine returns SCHEDULED jobs on the machine ordered by start time.
func (s *Memory) JobsOnMachine(_ context.Context, machineID string) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobScheduled && j.MachineID() == machineID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		sa, sb := out[a].ScheduledStartTime, out[b].ScheduledStartTime
		if sa == nil || sb == nil || sa.Equal(*sb) {
			return out[a].ID < out[b].ID
		}
		return sa.Before(*sb)
	})
	return out, nil
}

// PersistJobUpdate writes one update.
func (s *Memory) PersistJobUpdate(_ context.Context, u models.JobUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[u.JobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduling.ErrJobNotFound, u.JobID)
	}
	u.Apply(&j)
	j.UpdatedAt = s.now().UTC()
	s.jobs[j.ID] = j
	return &j, nil
}

// ApplyUpdates writes every update or, if any job is unknown, none.
func (s *Memory) ApplyUpdates(_ context.Context, updates []models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if _, ok := s.jobs[u.JobID]; !ok {
			return fmt.Errorf("%w: %s", scheduling.ErrJobNotFound, u.JobID)
		}
	}
	now := s.now().UTC()
	for _, u := range updates {
		j := s.jobs[u.JobID]
		u.Apply(&j)
		j.UpdatedAt = now
		s.jobs[j.ID] = j
	}
	return nil
}

// Availability operations

// GetAvailability returns the record for a machine-day or nil.
func (s *Memory) GetAvailability(_ context.Context, machineID, date string) (*models.MachineAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.availability[dayKey(machineID, date)]
	if !ok {
		return nil, nil
	}
	rec.UnavailableHours = append([]int(nil), rec.UnavailableHours...)
	return &rec, nil
}

// AvailabilityRange returns the machine's records between two dates inclusive.
func (s *Memory) AvailabilityRange(_ context.Context, machineID, fromDate, toDate string) ([]models.MachineAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.MachineAvailability
	for _, rec := range s.availability {
		if rec.MachineID != machineID || rec.Date < fromDate || rec.Date > toDate {
			continue
		}
		rec.UnavailableHours = append([]int(nil), rec.UnavailableHours...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// SaveAvailability replaces the unavailable hours of a machine-day.
func (s *Memory) SaveAvailability(ctx context.Context, machineID, date string, hours []int, note string) (*models.MachineAvailability, error) {
	s.mu.Lock()
	key := dayKey(machineID, date)
	now := s.now().UTC()
	rec, ok := s.availability[key]
	if !ok {
		rec = models.MachineAvailability{ID: uuid.NewString(), MachineID: machineID, Date: date, CreatedAt: now}
	}
	rec.UnavailableHours = models.NormalizeHours(hours)
	rec.Note = note
	rec.UpdatedAt = now
	s.availability[key] = rec
	s.mu.Unlock()

	s.hooks.fire(ctx, machineID, date)
	return &rec, nil
}

// OnAvailabilityWrite registers an invalidation hook.
func (s *Memory) OnAvailabilityWrite(hook AvailabilityHook) {
	s.hooks.add(hook)
}
