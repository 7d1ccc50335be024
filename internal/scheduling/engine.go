/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/events"
	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/telemetry"
	"github.com/friendsincode/foreman/internal/timeline"
)

// DefaultLookahead is how far past the anchor availability is loaded.
const DefaultLookahead = 7 * 24 * time.Hour

// Direction says which way a placement grows from its anchor.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Request asks for a job to be placed on a machine.
type Request struct {
	JobID     string
	MachineID string
	// Start anchors forward placements, End anchors backward ones.
	Start time.Time
	End   time.Time
	// Duration overrides the job's remaining work when positive.
	Duration time.Duration
	// Exclude lists jobs ignored by the overlap check besides the job itself.
	Exclude []string
}

// Placement is a conflict-free set of segments for one job.
type Placement struct {
	JobID     string
	MachineID string
	Direction Direction
	Segments  []timeline.Segment
	// Duration is the work placed, excluding skipped windows.
	Duration time.Duration
}

// Start returns the first segment start.
func (p Placement) Start() time.Time {
	start, _ := timeline.Bounds(p.Segments)
	return start
}

// End returns the last segment end.
func (p Placement) End() time.Time {
	_, end := timeline.Bounds(p.Segments)
	return end
}

// WasSplit reports whether the placement skips at least one window.
func (p Placement) WasSplit() bool {
	return len(p.Segments) > 1
}

// Update is the persistence write for this placement.
func (p Placement) Update() models.JobUpdate {
	return models.ScheduleUpdate(p.JobID, p.MachineID, p.Segments, p.Duration)
}

// Conflict reports a placement rejected because of another job.
type Conflict struct {
	JobID               string
	MachineID           string
	Direction           Direction
	ConflictingJobID    string
	ConflictingJobName  string
	ProposedSegments    []timeline.Segment
	ConflictingSegments []timeline.Segment
	Duration            time.Duration
}

// ProposedStart returns where the rejected placement would have begun.
func (c Conflict) ProposedStart() time.Time {
	start, _ := timeline.Bounds(c.ProposedSegments)
	return start
}

// ProposedEnd returns where the rejected placement would have ended.
func (c Conflict) ProposedEnd() time.Time {
	_, end := timeline.Bounds(c.ProposedSegments)
	return end
}

// Result carries exactly one of Placement or Conflict.
type Result struct {
	Placement *Placement
	Conflict  *Conflict
}

// Config tunes the engine.
type Config struct {
	Lookahead   time.Duration
	MaxSegments int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Engine places jobs on machine timelines around unavailable windows.
type Engine struct {
	jobs         JobStore
	availability AvailabilitySource
	checker      *Checker
	notifier     Notifier
	logger       zerolog.Logger
	cfg          Config
}

// NewEngine creates a scheduling engine. notifier may be nil.
func NewEngine(jobs JobStore, availability AvailabilitySource, notifier Notifier, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = timeline.DefaultMaxSegments
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		jobs:         jobs,
		availability: availability,
		checker:      NewChecker(jobs, logger),
		notifier:     notifier,
		logger:       logger.With().Str("component", "scheduling_engine").Logger(),
		cfg:          cfg,
	}
}

// Checker exposes the engine's overlap checker.
func (e *Engine) Checker() *Checker {
	return e.checker
}

// Jobs exposes the engine's job store.
func (e *Engine) Jobs() JobStore {
	return e.jobs
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.cfg.Now()
}

// PlanForward computes a forward placement without persisting it.
func (e *Engine) PlanForward(ctx context.Context, req Request) (Result, error) {
	return e.plan(ctx, req, Forward)
}

// PlanBackward computes a backward placement without persisting it.
func (e *Engine) PlanBackward(ctx context.Context, req Request) (Result, error) {
	return e.plan(ctx, req, Backward)
}

// ScheduleForward places the job starting at req.Start and persists it.
// A conflict is returned as data and nothing is written.
func (e *Engine) ScheduleForward(ctx context.Context, req Request) (Result, error) {
	return e.schedule(ctx, req, Forward)
}

// ScheduleBackward places the job ending at req.End and persists it.
func (e *Engine) ScheduleBackward(ctx context.Context, req Request) (Result, error) {
	return e.schedule(ctx, req, Backward)
}

func (e *Engine) schedule(ctx context.Context, req Request, dir Direction) (res Result, err error) {
	ctx, finish := telemetry.TrackOperation(ctx, "schedule_"+string(dir), map[string]any{
		"job_id":     req.JobID,
		"machine_id": req.MachineID,
	})
	defer func() { finish(err) }()

	res, err = e.plan(ctx, req, dir)
	if err != nil {
		return Result{}, err
	}
	if res.Conflict != nil {
		e.publish(events.EventConflictDetected, events.Payload{
			"job_id":             res.Conflict.JobID,
			"machine_id":         res.Conflict.MachineID,
			"conflicting_job_id": res.Conflict.ConflictingJobID,
			"proposed_start":     res.Conflict.ProposedStart(),
		})
		return res, nil
	}
	if err := e.Commit(ctx, *res.Placement); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) plan(ctx context.Context, req Request, dir Direction) (Result, error) {
	job, err := e.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return Result{}, err
	}
	ok, err := e.jobs.MachineExists(ctx, req.MachineID)
	if err != nil {
		return Result{}, fmt.Errorf("check machine %s: %w", req.MachineID, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrMachineNotFound, req.MachineID)
	}

	d := req.Duration
	if d <= 0 {
		d = job.RemainingDuration()
	}
	if d <= 0 {
		return Result{}, fmt.Errorf("%w: job %s", ErrInvalidDuration, job.ID)
	}

	segs, err := e.segments(ctx, req, dir, d)
	if err != nil {
		telemetry.PlacementsTotal.WithLabelValues(string(dir), "no_slot").Inc()
		return Result{}, err
	}

	exclude := append([]string{job.ID}, req.Exclude...)
	overlap, err := e.checker.Check(ctx, segs, req.MachineID, exclude...)
	if err != nil {
		return Result{}, err
	}
	if overlap.HasOverlap {
		telemetry.PlacementsTotal.WithLabelValues(string(dir), "conflict").Inc()
		e.logger.Debug().
			Str("job_id", job.ID).
			Str("machine_id", req.MachineID).
			Str("conflicting_job_id", overlap.JobID).
			Time("candidate_start", overlap.Candidate.Start).
			Msg("placement conflicts with scheduled job")
		return Result{Conflict: &Conflict{
			JobID:               job.ID,
			MachineID:           req.MachineID,
			Direction:           dir,
			ConflictingJobID:    overlap.JobID,
			ConflictingJobName:  overlap.JobName,
			ProposedSegments:    segs,
			ConflictingSegments: overlap.ExistingSegments,
			Duration:            d,
		}}, nil
	}

	telemetry.PlacementsTotal.WithLabelValues(string(dir), "placed").Inc()
	return Result{Placement: &Placement{
		JobID:     job.ID,
		MachineID: req.MachineID,
		Direction: dir,
		Segments:  segs,
		Duration:  d,
	}}, nil
}

// segments loads the windows around the anchor and splits d around them.
func (e *Engine) segments(ctx context.Context, req Request, dir Direction, d time.Duration) ([]timeline.Segment, error) {
	span := e.cfg.Lookahead + d
	var from, to time.Time
	if dir == Forward {
		from, to = req.Start, req.Start.Add(span)
	} else {
		from, to = req.End.Add(-span), req.End
	}
	if from.IsZero() || to.IsZero() {
		return nil, fmt.Errorf("%w: missing %s anchor", ErrNoSlotAvailable, dir)
	}

	windows, err := e.availability.Windows(ctx, req.MachineID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load availability for %s: %w", req.MachineID, err)
	}
	windows = timeline.NormalizeWindows(windows)

	var split timeline.Split
	if dir == Forward {
		if !timeline.Intersects(req.Start, req.Start.Add(d), windows) {
			return []timeline.Segment{timeline.NewSegment(req.Start, d)}, nil
		}
		split = timeline.SplitForward(req.Start, d, windows, timeline.SplitOptions{MaxSegments: e.cfg.MaxSegments, Horizon: to})
	} else {
		if !timeline.Intersects(req.End.Add(-d), req.End, windows) {
			return []timeline.Segment{{Start: req.End.Add(-d), End: req.End}}, nil
		}
		split = timeline.SplitBackward(req.End, d, windows, timeline.SplitOptions{MaxSegments: e.cfg.MaxSegments, Horizon: from})
	}

	switch {
	case split.Truncated:
		telemetry.SplitAnomaliesTotal.WithLabelValues("truncated").Inc()
		e.logger.Warn().
			Str("job_id", req.JobID).
			Str("machine_id", req.MachineID).
			Int("segments", len(split.Segments)).
			Dur("remaining", split.Remaining).
			Msg("split hit the segment cap")
		return nil, fmt.Errorf("%w: job %s needs more than %d segments", ErrNoSlotAvailable, req.JobID, e.cfg.MaxSegments)
	case len(split.Segments) == 0 || split.Remaining > 0:
		telemetry.SplitAnomaliesTotal.WithLabelValues("horizon").Inc()
		return nil, fmt.Errorf("%w: job %s on %s (%s unplaced)", ErrNoSlotAvailable, req.JobID, req.MachineID, split.Remaining)
	}
	return split.Segments, nil
}

// Commit persists placements in one transaction.
func (e *Engine) Commit(ctx context.Context, placements ...Placement) error {
	return e.CommitReplacing(ctx, nil, placements...)
}

// CommitReplacing unschedules the given jobs and persists placements in one
// transaction.
func (e *Engine) CommitReplacing(ctx context.Context, unschedule []string, placements ...Placement) error {
	if len(unschedule) == 0 && len(placements) == 0 {
		return nil
	}
	updates := make([]models.JobUpdate, 0, len(unschedule)+len(placements))
	for _, id := range unschedule {
		updates = append(updates, models.UnscheduleUpdate(id))
	}
	for _, p := range placements {
		updates = append(updates, p.Update())
	}
	if err := e.jobs.ApplyUpdates(ctx, updates); err != nil {
		return fmt.Errorf("commit %d updates: %w", len(updates), err)
	}
	for _, id := range unschedule {
		e.logger.Info().Str("job_id", id).Msg("job unscheduled")
		e.publish(events.EventJobUnscheduled, events.Payload{"job_id": id})
	}
	for _, p := range placements {
		e.logger.Info().
			Str("job_id", p.JobID).
			Str("machine_id", p.MachineID).
			Time("start", p.Start()).
			Time("end", p.End()).
			Int("segments", len(p.Segments)).
			Msg("job scheduled")
		e.publish(events.EventJobScheduled, events.Payload{
			"job_id":     p.JobID,
			"machine_id": p.MachineID,
			"start":      p.Start(),
			"end":        p.End(),
			"was_split":  p.WasSplit(),
		})
	}
	return nil
}

// Unschedule clears the job's machine, times and segments.
func (e *Engine) Unschedule(ctx context.Context, jobID string) (*models.Job, error) {
	before, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job, err := e.jobs.PersistJobUpdate(ctx, models.UnscheduleUpdate(jobID))
	if err != nil {
		return nil, fmt.Errorf("unschedule %s: %w", jobID, err)
	}
	e.logger.Info().Str("job_id", jobID).Str("machine_id", before.MachineID()).Msg("job unscheduled")
	e.publish(events.EventJobUnscheduled, events.Payload{
		"job_id":     jobID,
		"machine_id": before.MachineID(),
	})
	return job, nil
}

// Invariant logs, counts and reports a cascade that produced a conflict.
func (e *Engine) Invariant(operation, machineID string, conflict *Conflict) error {
	telemetry.InvariantViolationsTotal.WithLabelValues(operation).Inc()
	e.logger.Error().
		Str("kind", "invariant_violation").
		Str("operation", operation).
		Str("machine_id", machineID).
		Str("job_id", conflict.JobID).
		Str("conflicting_job_id", conflict.ConflictingJobID).
		Time("proposed_start", conflict.ProposedStart()).
		Msg("cascade produced a conflict")
	e.publish(events.EventInvariantViolation, events.Payload{
		"operation":          operation,
		"machine_id":         machineID,
		"job_id":             conflict.JobID,
		"conflicting_job_id": conflict.ConflictingJobID,
	})
	return fmt.Errorf("%w: %s placed %s over %s", ErrInvariantViolation, operation, conflict.JobID, conflict.ConflictingJobID)
}

func (e *Engine) publish(t events.EventType, p events.Payload) {
	if e.notifier != nil {
		e.notifier.Publish(t, p)
	}
}
