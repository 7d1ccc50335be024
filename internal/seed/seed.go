/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package seed loads machines, unavailable hours and jobs from YAML plans.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
)

// DayDef marks hours of one date unavailable.
type DayDef struct {
	Date             string `yaml:"date"`
	UnavailableHours []int  `yaml:"unavailable_hours"`
	Note             string `yaml:"note,omitempty"`
}

// RecurringDef marks the same hours unavailable on every date an RRULE
// produces between From and Until (both YYYY-MM-DD, inclusive).
type RecurringDef struct {
	RRule            string `yaml:"rrule"`
	From             string `yaml:"from"`
	Until            string `yaml:"until"`
	UnavailableHours []int  `yaml:"unavailable_hours"`
	Note             string `yaml:"note,omitempty"`
}

// maxRecurringDays caps how many dates one recurring rule may expand to.
const maxRecurringDays = 366

// MachineDef describes a machine and its known downtime.
type MachineDef struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Timezone     string         `yaml:"timezone,omitempty"`
	Inactive     bool           `yaml:"inactive,omitempty"`
	Availability []DayDef       `yaml:"availability,omitempty"`
	Recurring    []RecurringDef `yaml:"recurring,omitempty"`
}

// Days merges explicit days and expanded recurring rules into one entry per
// date, ordered by date. Hours of the same date are combined.
func (m MachineDef) Days() ([]DayDef, error) {
	byDate := make(map[string]*DayDef)
	add := func(date string, hours []int, note string) {
		d, ok := byDate[date]
		if !ok {
			d = &DayDef{Date: date}
			byDate[date] = d
		}
		d.UnavailableHours = models.NormalizeHours(append(d.UnavailableHours, hours...))
		if d.Note == "" {
			d.Note = note
		}
	}

	for _, day := range m.Availability {
		add(day.Date, day.UnavailableHours, day.Note)
	}
	for i, rec := range m.Recurring {
		dates, err := rec.dates()
		if err != nil {
			return nil, fmt.Errorf("machine %s recurring[%d]: %w", m.ID, i, err)
		}
		for _, date := range dates {
			add(date, rec.UnavailableHours, rec.Note)
		}
	}

	out := make([]DayDef, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// dates expands the rule. Occurrences are evaluated in UTC at midnight so
// each one names a calendar date.
func (r RecurringDef) dates() ([]string, error) {
	from, err := time.Parse(models.DateLayout, r.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from %q", r.From)
	}
	until, err := time.Parse(models.DateLayout, r.Until)
	if err != nil {
		return nil, fmt.Errorf("invalid until %q", r.Until)
	}
	if until.Before(from) {
		return nil, fmt.Errorf("until %s before from %s", r.Until, r.From)
	}
	rule, err := rrule.StrToRRule(r.RRule)
	if err != nil {
		return nil, fmt.Errorf("invalid rrule %q: %w", r.RRule, err)
	}
	rule.DTStart(from)

	occurrences := rule.Between(from, until, true)
	if len(occurrences) > maxRecurringDays {
		return nil, fmt.Errorf("rule expands to %d dates, limit is %d", len(occurrences), maxRecurringDays)
	}
	out := make([]string, len(occurrences))
	for i, occ := range occurrences {
		out[i] = occ.Format(models.DateLayout)
	}
	return out, nil
}

// JobDef describes a job. When Machine is set the job is appended to that
// machine's queue.
type JobDef struct {
	ID             string  `yaml:"id,omitempty"`
	Name           string  `yaml:"name"`
	DurationHours  float64 `yaml:"duration_hours"`
	CompletedHours float64 `yaml:"completed_hours,omitempty"`
	Machine        string  `yaml:"machine,omitempty"`
}

// Plan is a complete fixture file.
type Plan struct {
	Machines []MachineDef `yaml:"machines"`
	Jobs     []JobDef     `yaml:"jobs"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a plan.
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks references and ranges. Every problem is reported.
func (p *Plan) Validate() error {
	var errs []error
	machines := make(map[string]struct{}, len(p.Machines))
	for i, m := range p.Machines {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("machines[%d]: id is required", i))
			continue
		}
		if _, dup := machines[m.ID]; dup {
			errs = append(errs, fmt.Errorf("machines[%d]: duplicate id %q", i, m.ID))
		}
		machines[m.ID] = struct{}{}
		if m.Timezone != "" {
			if _, err := time.LoadLocation(m.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("machine %s: invalid timezone %q", m.ID, m.Timezone))
			}
		}
		for _, day := range m.Availability {
			if _, err := time.Parse(models.DateLayout, day.Date); err != nil {
				errs = append(errs, fmt.Errorf("machine %s: invalid date %q", m.ID, day.Date))
			}
			for _, h := range day.UnavailableHours {
				if h < 0 || h > 23 {
					errs = append(errs, fmt.Errorf("machine %s %s: hour %d outside 0..23", m.ID, day.Date, h))
				}
			}
		}
		for k, rec := range m.Recurring {
			if _, err := rec.dates(); err != nil {
				errs = append(errs, fmt.Errorf("machine %s recurring[%d]: %w", m.ID, k, err))
			}
			for _, h := range rec.UnavailableHours {
				if h < 0 || h > 23 {
					errs = append(errs, fmt.Errorf("machine %s recurring[%d]: hour %d outside 0..23", m.ID, k, h))
				}
			}
		}
	}
	for i, j := range p.Jobs {
		if j.DurationHours <= 0 {
			errs = append(errs, fmt.Errorf("jobs[%d]: duration_hours must be positive", i))
		}
		if j.CompletedHours < 0 || j.CompletedHours > j.DurationHours {
			errs = append(errs, fmt.Errorf("jobs[%d]: completed_hours must be between 0 and duration_hours", i))
		}
		if j.Machine != "" {
			if _, ok := machines[j.Machine]; !ok {
				errs = append(errs, fmt.Errorf("jobs[%d]: unknown machine %q", i, j.Machine))
			}
		}
	}
	return errors.Join(errs...)
}

// Store persists seeded records.
type Store interface {
	SaveMachine(ctx context.Context, m *models.Machine) error
	SaveJob(ctx context.Context, j *models.Job) error
}

// AvailabilityWriter records unavailable hours.
type AvailabilityWriter interface {
	SetUnavailableHours(ctx context.Context, machineID, date string, hours []int, note string) (*models.MachineAvailability, error)
}

// Queue appends jobs to a machine.
type Queue interface {
	ScheduleAtEndOfQueue(ctx context.Context, machineID, jobID string) (scheduling.Result, error)
}

// Summary reports what Apply did.
type Summary struct {
	Machines int
	Days     int
	Jobs     int
	Queued   int
	// Conflicts lists jobs left unscheduled because their slot was taken.
	Conflicts []string
}

// Seeder writes plans through the regular scheduling components.
type Seeder struct {
	store  Store
	avail  AvailabilityWriter
	queue  Queue
	logger zerolog.Logger
}

// New creates a seeder. queue may be nil to skip queueing.
func New(store Store, avail AvailabilityWriter, queue Queue, logger zerolog.Logger) *Seeder {
	return &Seeder{
		store:  store,
		avail:  avail,
		queue:  queue,
		logger: logger.With().Str("component", "seed").Logger(),
	}
}

// Apply stores machines, then availability, then jobs in file order.
func (s *Seeder) Apply(ctx context.Context, plan *Plan) (*Summary, error) {
	sum := &Summary{}

	for _, def := range plan.Machines {
		m := &models.Machine{ID: def.ID, Name: def.Name, Timezone: def.Timezone, Active: !def.Inactive}
		if m.Name == "" {
			m.Name = def.ID
		}
		if err := s.store.SaveMachine(ctx, m); err != nil {
			return sum, fmt.Errorf("save machine %s: %w", def.ID, err)
		}
		sum.Machines++

		days, err := def.Days()
		if err != nil {
			return sum, err
		}
		for _, day := range days {
			if _, err := s.avail.SetUnavailableHours(ctx, def.ID, day.Date, day.UnavailableHours, day.Note); err != nil {
				return sum, fmt.Errorf("set availability %s %s: %w", def.ID, day.Date, err)
			}
			sum.Days++
		}
	}

	for _, def := range plan.Jobs {
		job := &models.Job{
			ID:             def.ID,
			Name:           def.Name,
			DurationHours:  def.DurationHours,
			CompletedHours: def.CompletedHours,
			Status:         models.JobNotScheduled,
		}
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if err := s.store.SaveJob(ctx, job); err != nil {
			return sum, fmt.Errorf("save job %s: %w", job.ID, err)
		}
		sum.Jobs++

		if def.Machine == "" || s.queue == nil {
			continue
		}
		res, err := s.queue.ScheduleAtEndOfQueue(ctx, def.Machine, job.ID)
		if err != nil {
			return sum, fmt.Errorf("queue job %s on %s: %w", job.ID, def.Machine, err)
		}
		if res.Conflict != nil {
			s.logger.Warn().
				Str("job_id", job.ID).
				Str("machine_id", def.Machine).
				Str("conflicting_job_id", res.Conflict.ConflictingJobID).
				Msg("seeded job left unscheduled")
			sum.Conflicts = append(sum.Conflicts, job.ID)
			continue
		}
		sum.Queued++
	}

	s.logger.Info().
		Int("machines", sum.Machines).
		Int("days", sum.Days).
		Int("jobs", sum.Jobs).
		Int("queued", sum.Queued).
		Msg("seed plan applied")
	return sum, nil
}
