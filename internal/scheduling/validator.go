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

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/timeline"
)

// ViolationType names what an audit found.
type ViolationType string

const (
	ViolationOverlap     ViolationType = "overlap"
	ViolationUnordered   ViolationType = "unordered_segments"
	ViolationUnavailable ViolationType = "unavailable_window"
	ViolationMisaligned  ViolationType = "bounds_mismatch"
)

// Severity of a violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one audit finding on a machine timeline.
type Violation struct {
	Type        ViolationType  `json:"type"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	StartsAt    time.Time      `json:"starts_at"`
	EndsAt      time.Time      `json:"ends_at"`
	AffectedIDs []string       `json:"affected_ids"`
	Details     map[string]any `json:"details,omitempty"`
}

// ValidationResult is the outcome of auditing a machine over a range.
type ValidationResult struct {
	MachineID  string      `json:"machine_id"`
	Valid      bool        `json:"valid"`
	Errors     []Violation `json:"errors"`
	Warnings   []Violation `json:"warnings"`
	CheckedAt  time.Time   `json:"checked_at"`
	RangeStart time.Time   `json:"range_start"`
	RangeEnd   time.Time   `json:"range_end"`
	JobsLoaded int         `json:"jobs_loaded"`
}

func (r *ValidationResult) add(v Violation) {
	if v.Severity == SeverityError {
		r.Errors = append(r.Errors, v)
		r.Valid = false
		return
	}
	r.Warnings = append(r.Warnings, v)
}

// Validator audits persisted machine timelines.
type Validator struct {
	engine *Engine
	logger zerolog.Logger
}

// NewValidator creates a timeline validator.
func NewValidator(engine *Engine, logger zerolog.Logger) *Validator {
	return &Validator{
		engine: engine,
		logger: logger.With().Str("component", "timeline_validator").Logger(),
	}
}

// Validate checks every scheduled job on the machine that touches [start, end).
func (v *Validator) Validate(ctx context.Context, machineID string, start, end time.Time) (*ValidationResult, error) {
	result := &ValidationResult{
		MachineID:  machineID,
		Valid:      true,
		Errors:     []Violation{},
		Warnings:   []Violation{},
		CheckedAt:  v.engine.Now(),
		RangeStart: start,
		RangeEnd:   end,
	}

	jobs, err := v.engine.jobs.JobsOnMachine(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("load jobs on %s: %w", machineID, err)
	}

	probe := timeline.Segment{Start: start, End: end}
	var items []JobTimeline
	for _, jt := range v.engine.checker.Timelines(jobs) {
		if probe.Overlaps(timeline.Segment{Start: jt.Start(), End: jt.End()}) {
			items = append(items, jt)
		}
	}
	result.JobsLoaded = len(items)

	for _, jt := range items {
		v.checkShape(result, jt)
	}
	for _, violation := range v.checkOverlaps(items) {
		result.add(violation)
	}

	windows, err := v.engine.availability.Windows(ctx, machineID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load availability for %s: %w", machineID, err)
	}
	for _, violation := range checkWindows(items, timeline.NormalizeWindows(windows)) {
		result.add(violation)
	}

	if !result.Valid {
		v.logger.Warn().
			Str("machine_id", machineID).
			Int("errors", len(result.Errors)).
			Int("warnings", len(result.Warnings)).
			Msg("machine timeline failed validation")
	}
	return result, nil
}

// checkShape reports segments out of order and stored bounds that disagree
// with the segments.
func (v *Validator) checkShape(result *ValidationResult, jt JobTimeline) {
	if !timeline.Ordered(jt.Segments) {
		result.add(Violation{
			Type:        ViolationUnordered,
			Severity:    SeverityError,
			Message:     fmt.Sprintf("Job %s has segments that are out of order or overlap each other.", jobLabel(jt.Job)),
			StartsAt:    jt.Start(),
			EndsAt:      jt.End(),
			AffectedIDs: []string{jt.Job.ID},
		})
	}

	job := jt.Job
	if job.ScheduledStartTime == nil || job.ScheduledEndTime == nil {
		return
	}
	if !job.ScheduledStartTime.Equal(jt.Start()) || !job.ScheduledEndTime.Equal(jt.End()) {
		result.add(Violation{
			Type:        ViolationMisaligned,
			Severity:    SeverityWarning,
			Message:     fmt.Sprintf("Job %s stores %s to %s but its segments run %s to %s.", jobLabel(job), job.ScheduledStartTime.Format(time.RFC3339), job.ScheduledEndTime.Format(time.RFC3339), jt.Start().Format(time.RFC3339), jt.End().Format(time.RFC3339)),
			StartsAt:    jt.Start(),
			EndsAt:      jt.End(),
			AffectedIDs: []string{job.ID},
		})
	}
}

func (v *Validator) checkOverlaps(items []JobTimeline) []Violation {
	var violations []Violation

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			overlapStart, overlapEnd, ok := firstOverlap(items[i].Segments, items[j].Segments)
			if !ok {
				continue
			}
			overlapMinutes := int(overlapEnd.Sub(overlapStart).Minutes())

			violations = append(violations, Violation{
				Type:        ViolationOverlap,
				Severity:    SeverityError,
				Message:     fmt.Sprintf("Overlap detected: %s and %s both run from %s to %s (%d minute overlap).", jobLabel(items[i].Job), jobLabel(items[j].Job), overlapStart.Format(time.RFC3339), overlapEnd.Format(time.RFC3339), overlapMinutes),
				StartsAt:    items[i].Start(),
				EndsAt:      items[i].End(),
				AffectedIDs: []string{items[i].Job.ID, items[j].Job.ID},
				Details: map[string]any{
					"overlap_start":   overlapStart,
					"overlap_end":     overlapEnd,
					"overlap_minutes": overlapMinutes,
					"suggestion":      "Recalculate the machine queue or shunt one of these jobs.",
				},
			})
		}
	}

	return violations
}

func checkWindows(items []JobTimeline, windows []timeline.Window) []Violation {
	var violations []Violation
	for _, jt := range items {
		for _, w := range windows {
			if !timeline.Intersects(w.Start, w.End, jt.Segments) {
				continue
			}
			violations = append(violations, Violation{
				Type:        ViolationUnavailable,
				Severity:    SeverityError,
				Message:     fmt.Sprintf("Job %s runs during an unavailable window from %s to %s.", jobLabel(jt.Job), w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339)),
				StartsAt:    w.Start,
				EndsAt:      w.End,
				AffectedIDs: []string{jt.Job.ID},
			})
		}
	}
	return violations
}

// firstOverlap returns the first intersection between two segment lists.
func firstOverlap(a, b []timeline.Segment) (time.Time, time.Time, bool) {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return maxTime(x.Start, y.Start), minTime(x.End, y.End), true
			}
		}
	}
	return time.Time{}, time.Time{}, false
}

func jobLabel(job models.Job) string {
	if job.Name != "" {
		return fmt.Sprintf("%q", job.Name)
	}
	return job.ID
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
