/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package availability answers which hours a machine cannot be used.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/cache"
	"github.com/friendsincode/foreman/internal/events"
	"github.com/friendsincode/foreman/internal/lock"
	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/telemetry"
	"github.com/friendsincode/foreman/internal/timeline"
)

// DefaultTTL is how long a machine-day stays in the in-process cache.
const DefaultTTL = 5 * time.Minute

var (
	ErrInvalidHour = errors.New("hour must be between 0 and 23")
	ErrInvalidDate = errors.New("date must be YYYY-MM-DD")
	// ErrWindowOverlapsJob rejects unavailability over a scheduled job.
	ErrWindowOverlapsJob = errors.New("unavailable window overlaps a scheduled job")
)

// WindowConflictError names the job a new window would collide with.
type WindowConflictError struct {
	MachineID string
	Date      string
	Hour      int
	JobID     string
	JobName   string
}

func (e *WindowConflictError) Error() string {
	return fmt.Sprintf("hour %02d:00 on %s overlaps scheduled job %s (%s) on machine %s",
		e.Hour, e.Date, e.JobID, e.JobName, e.MachineID)
}

// Unwrap lets errors.Is match ErrWindowOverlapsJob.
func (e *WindowConflictError) Unwrap() error {
	return ErrWindowOverlapsJob
}

// Repository is the persistence the store reads through.
type Repository interface {
	GetMachine(ctx context.Context, machineID string) (*models.Machine, error)
	GetAvailability(ctx context.Context, machineID, date string) (*models.MachineAvailability, error)
	AvailabilityRange(ctx context.Context, machineID, fromDate, toDate string) ([]models.MachineAvailability, error)
	SaveAvailability(ctx context.Context, machineID, date string, hours []int, note string) (*models.MachineAvailability, error)
	JobsOnMachine(ctx context.Context, machineID string) ([]models.Job, error)
}

// Config tunes the store.
type Config struct {
	TTL time.Duration
	// DefaultLocation applies to machines without a timezone.
	DefaultLocation *time.Location
	Now             func() time.Time
}

type dayKey struct {
	machineID string
	date      string
}

type dayEntry struct {
	hours   []int
	expires time.Time
}

type machineEntry struct {
	loc     *time.Location
	expires time.Time
}

// Store serves unavailable hours through an in-process TTL cache layered
// over the shared Redis cache and the repository.
type Store struct {
	repo     Repository
	shared   *cache.Cache
	checker  *scheduling.Checker
	notifier events.Publisher
	locker   lock.Locker
	logger   zerolog.Logger
	cfg      Config

	mu       sync.Mutex
	days     map[dayKey]dayEntry
	machines map[string]machineEntry
}

// New creates an availability store. shared and notifier may be nil. Writes
// take the machine lock from locker so they cannot race a queue cascade; a
// nil locker leaves writes unguarded.
func New(repo Repository, shared *cache.Cache, checker *scheduling.Checker, notifier events.Publisher, locker lock.Locker, cfg Config, logger zerolog.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if shared == nil {
		shared = cache.Disabled(logger)
	}
	return &Store{
		repo:     repo,
		shared:   shared,
		checker:  checker,
		notifier: notifier,
		locker:   locker,
		logger:   logger.With().Str("component", "availability").Logger(),
		cfg:      cfg,
		days:     make(map[dayKey]dayEntry),
		machines: make(map[string]machineEntry),
	}
}

// UnavailableHours returns the sorted unavailable hours of a machine-day.
func (s *Store) UnavailableHours(ctx context.Context, machineID, date string) ([]int, error) {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	if hours, ok := s.cached(ctx, machineID, date); ok {
		return hours, nil
	}

	rec, err := s.repo.GetAvailability(ctx, machineID, date)
	if err != nil {
		return nil, err
	}
	var hours []int
	if rec != nil {
		hours = models.NormalizeHours(rec.UnavailableHours)
	}
	s.remember(ctx, machineID, date, hours)
	return copyHours(hours), nil
}

// Windows returns the machine's unavailable windows intersecting [from, to).
func (s *Store) Windows(ctx context.Context, machineID string, from, to time.Time) ([]timeline.Window, error) {
	if !to.After(from) {
		return nil, nil
	}
	loc, err := s.Location(ctx, machineID)
	if err != nil {
		return nil, err
	}

	first := dayStart(from.In(loc))
	last := dayStart(to.In(loc))
	var dates []string
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(models.DateLayout))
	}

	hoursByDate := make(map[string][]int, len(dates))
	var missing bool
	for _, date := range dates {
		if hours, ok := s.cached(ctx, machineID, date); ok {
			hoursByDate[date] = hours
		} else {
			missing = true
		}
	}
	if missing {
		recs, err := s.repo.AvailabilityRange(ctx, machineID, dates[0], dates[len(dates)-1])
		if err != nil {
			return nil, err
		}
		loaded := make(map[string][]int, len(recs))
		for _, rec := range recs {
			loaded[rec.Date] = models.NormalizeHours(rec.UnavailableHours)
		}
		for _, date := range dates {
			if _, ok := hoursByDate[date]; ok {
				continue
			}
			hoursByDate[date] = loaded[date]
			s.remember(ctx, machineID, date, loaded[date])
		}
	}

	span := timeline.Segment{Start: from, End: to}
	var windows []timeline.Window
	for _, date := range dates {
		day, _ := time.ParseInLocation(models.DateLayout, date, loc)
		for _, w := range timeline.HoursToWindows(day, hoursByDate[date], loc) {
			if w.Overlaps(span) {
				windows = append(windows, w)
			}
		}
	}
	return timeline.NormalizeWindows(windows), nil
}

// SetUnavailableHours replaces a machine-day's unavailable hours. Hours that
// become unavailable must not touch any SCHEDULED job.
func (s *Store) SetUnavailableHours(ctx context.Context, machineID, date string, hours []int, note string) (*models.MachineAvailability, error) {
	release, err := s.acquire(ctx, machineID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.setUnavailableHours(ctx, machineID, date, hours, note)
}

func (s *Store) setUnavailableHours(ctx context.Context, machineID, date string, hours []int, note string) (*models.MachineAvailability, error) {
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	for _, h := range hours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidHour, h)
		}
	}
	loc, err := s.Location(ctx, machineID)
	if err != nil {
		return nil, err
	}

	current, err := s.UnavailableHours(ctx, machineID, date)
	if err != nil {
		return nil, err
	}
	added := newHours(current, models.NormalizeHours(hours))
	if len(added) > 0 {
		if err := s.checkJobs(ctx, machineID, date, day, added, loc); err != nil {
			return nil, err
		}
	}

	rec, err := s.repo.SaveAvailability(ctx, machineID, date, hours, note)
	if err != nil {
		return nil, err
	}
	// The repository hook also invalidates; this covers repositories without hooks.
	s.Invalidate(ctx, machineID, date)

	s.logger.Info().
		Str("machine_id", machineID).
		Str("date", date).
		Ints("hours", rec.UnavailableHours).
		Msg("availability updated")
	if s.notifier != nil {
		s.notifier.Publish(events.EventAvailabilityUpdated, events.Payload{
			"machine_id": machineID,
			"date":       date,
			"hours":      rec.UnavailableHours,
		})
	}
	return rec, nil
}

// ToggleHour flips one hour of a machine-day.
func (s *Store) ToggleHour(ctx context.Context, machineID, date string, hour int) (*models.MachineAvailability, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHour, hour)
	}
	release, err := s.acquire(ctx, machineID)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.UnavailableHours(ctx, machineID, date)
	if err != nil {
		return nil, err
	}

	next := make([]int, 0, len(current)+1)
	found := false
	for _, h := range current {
		if h == hour {
			found = true
			continue
		}
		next = append(next, h)
	}
	if !found {
		next = append(next, hour)
	}

	note := ""
	if rec, err := s.repo.GetAvailability(ctx, machineID, date); err == nil && rec != nil {
		note = rec.Note
	}
	return s.setUnavailableHours(ctx, machineID, date, next, note)
}

// acquire takes the machine lock shared with the queue manager and resolver.
func (s *Store) acquire(ctx context.Context, machineID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, lock.MachineKey(machineID))
	if err != nil {
		return nil, fmt.Errorf("lock machine %s: %w", machineID, err)
	}
	return release, nil
}

// Invalidate drops a machine-day from both cache layers. Its signature
// matches the repository write hook.
func (s *Store) Invalidate(ctx context.Context, machineID, date string) {
	s.mu.Lock()
	delete(s.days, dayKey{machineID, date})
	s.mu.Unlock()

	telemetry.AvailabilityInvalidationsTotal.Inc()
	if err := s.shared.InvalidateAvailability(ctx, machineID, date); err != nil {
		s.logger.Debug().Err(err).Str("machine_id", machineID).Str("date", date).Msg("shared cache invalidation failed")
	}
}

// InvalidateMachine drops every cached entry of a machine.
func (s *Store) InvalidateMachine(ctx context.Context, machineID string) {
	s.mu.Lock()
	for k := range s.days {
		if k.machineID == machineID {
			delete(s.days, k)
		}
	}
	delete(s.machines, machineID)
	s.mu.Unlock()

	telemetry.AvailabilityInvalidationsTotal.Inc()
	if err := s.shared.InvalidateMachine(ctx, machineID); err != nil {
		s.logger.Debug().Err(err).Str("machine_id", machineID).Msg("shared cache invalidation failed")
	}
}

// Listen drops local entries named by availability events until ctx ends.
// It keeps other instances' in-process caches coherent.
func (s *Store) Listen(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			machineID, _ := payload["machine_id"].(string)
			date, _ := payload["date"].(string)
			if machineID == "" || date == "" {
				continue
			}
			s.mu.Lock()
			delete(s.days, dayKey{machineID, date})
			s.mu.Unlock()
		}
	}
}

// Location resolves the machine's timezone.
func (s *Store) Location(ctx context.Context, machineID string) (*time.Location, error) {
	now := s.cfg.Now()
	s.mu.Lock()
	if e, ok := s.machines[machineID]; ok && now.Before(e.expires) {
		s.mu.Unlock()
		return e.loc, nil
	}
	s.mu.Unlock()

	var m models.Machine
	if cached, ok := s.shared.GetMachine(ctx, machineID); ok {
		m = models.Machine{ID: cached.ID, Timezone: cached.Timezone, Active: cached.Active}
	} else {
		loaded, err := s.repo.GetMachine(ctx, machineID)
		if err != nil {
			return nil, err
		}
		m = *loaded
		_ = s.shared.SetMachine(ctx, cache.CachedMachine{ID: m.ID, Timezone: m.Timezone, Active: m.Active})
	}

	loc := m.Location(s.cfg.DefaultLocation)
	s.mu.Lock()
	s.machines[machineID] = machineEntry{loc: loc, expires: now.Add(s.cfg.TTL)}
	s.mu.Unlock()
	return loc, nil
}

func (s *Store) checkJobs(ctx context.Context, machineID, date string, day time.Time, added []int, loc *time.Location) error {
	jobs, err := s.repo.JobsOnMachine(ctx, machineID)
	if err != nil {
		return err
	}
	for _, h := range added {
		w := timeline.HoursToWindows(day, []int{h}, loc)
		for _, job := range jobs {
			if timeline.AnyOverlap(w, s.checker.OccupiedSegments(job)) {
				return &WindowConflictError{MachineID: machineID, Date: date, Hour: h, JobID: job.ID, JobName: job.Name}
			}
		}
	}
	return nil
}

func (s *Store) cached(ctx context.Context, machineID, date string) ([]int, bool) {
	key := dayKey{machineID, date}
	now := s.cfg.Now()

	s.mu.Lock()
	e, ok := s.days[key]
	s.mu.Unlock()
	if ok && now.Before(e.expires) {
		telemetry.AvailabilityLookupsTotal.WithLabelValues("local", "hit").Inc()
		return copyHours(e.hours), true
	}
	telemetry.AvailabilityLookupsTotal.WithLabelValues("local", "miss").Inc()

	if entry, ok := s.shared.GetAvailability(ctx, machineID, date); ok {
		telemetry.AvailabilityLookupsTotal.WithLabelValues("redis", "hit").Inc()
		s.mu.Lock()
		s.days[key] = dayEntry{hours: copyHours(entry.UnavailableHours), expires: now.Add(s.cfg.TTL)}
		s.mu.Unlock()
		return copyHours(entry.UnavailableHours), true
	}
	if s.shared.IsAvailable() {
		telemetry.AvailabilityLookupsTotal.WithLabelValues("redis", "miss").Inc()
	}
	return nil, false
}

func (s *Store) remember(ctx context.Context, machineID, date string, hours []int) {
	s.mu.Lock()
	s.days[dayKey{machineID, date}] = dayEntry{hours: copyHours(hours), expires: s.cfg.Now().Add(s.cfg.TTL)}
	s.mu.Unlock()

	if err := s.shared.SetAvailability(ctx, cache.CachedAvailability{MachineID: machineID, Date: date, UnavailableHours: hours}); err != nil {
		s.logger.Debug().Err(err).Msg("shared cache write failed")
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// newHours returns hours in next that are not in current. Both are sorted.
func newHours(current, next []int) []int {
	have := make(map[int]struct{}, len(current))
	for _, h := range current {
		have[h] = struct{}{}
	}
	var out []int
	for _, h := range next {
		if _, ok := have[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}

func copyHours(h []int) []int {
	if h == nil {
		return nil
	}
	return append([]int(nil), h...)
}
