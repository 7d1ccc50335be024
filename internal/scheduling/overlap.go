/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/telemetry"
	"github.com/friendsincode/foreman/internal/timeline"
)

// Overlap describes the first collision between a candidate and an
// existing job. The zero value means no overlap.
type Overlap struct {
	HasOverlap bool
	JobID      string
	JobName    string
	// Candidate and Existing are the colliding segments.
	Candidate timeline.Segment
	Existing  timeline.Segment
	// ExistingSegments is the conflicting job's full occupancy.
	ExistingSegments []timeline.Segment
}

// Checker finds collisions on a machine timeline.
type Checker struct {
	jobs   JobStore
	logger zerolog.Logger
}

// NewChecker creates an overlap checker.
func NewChecker(jobs JobStore, logger zerolog.Logger) *Checker {
	return &Checker{
		jobs:   jobs,
		logger: logger.With().Str("component", "overlap_checker").Logger(),
	}
}

// Check compares candidate against every SCHEDULED job on the machine except
// the excluded ids. Existing jobs are visited by earliest start and the first
// overlap wins.
func (c *Checker) Check(ctx context.Context, candidate []timeline.Segment, machineID string, exclude ...string) (Overlap, error) {
	jobs, err := c.jobs.JobsOnMachine(ctx, machineID)
	if err != nil {
		return Overlap{}, fmt.Errorf("load jobs on %s: %w", machineID, err)
	}
	return c.CheckAgainst(candidate, jobs, exclude...), nil
}

// CheckAgainst is Check over an already loaded job list.
func (c *Checker) CheckAgainst(candidate []timeline.Segment, jobs []models.Job, exclude ...string) Overlap {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	timelines := c.Timelines(jobs)
	for _, jt := range timelines {
		if _, ok := skip[jt.Job.ID]; ok {
			continue
		}
		for _, cs := range candidate {
			for _, es := range jt.Segments {
				if cs.Overlaps(es) {
					return Overlap{
						HasOverlap:       true,
						JobID:            jt.Job.ID,
						JobName:          jt.Job.Name,
						Candidate:        cs,
						Existing:         es,
						ExistingSegments: jt.Segments,
					}
				}
			}
		}
	}
	return Overlap{}
}

// JobTimeline is a job together with the segments it occupies.
type JobTimeline struct {
	Job      models.Job
	Segments []timeline.Segment
}

// Start is the earliest occupied instant.
func (jt JobTimeline) Start() time.Time {
	start, _ := timeline.Bounds(jt.Segments)
	return start
}

// End is the latest occupied instant.
func (jt JobTimeline) End() time.Time {
	_, end := timeline.Bounds(jt.Segments)
	return end
}

// Timelines resolves occupancy for jobs and orders them by earliest start,
// ties broken by id. Jobs with no resolvable occupancy are dropped.
func (c *Checker) Timelines(jobs []models.Job) []JobTimeline {
	out := make([]JobTimeline, 0, len(jobs))
	for _, job := range jobs {
		segs := c.OccupiedSegments(job)
		if len(segs) == 0 {
			continue
		}
		out = append(out, JobTimeline{Job: job, Segments: segs})
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Start(), out[j].Start()
		if si.Equal(sj) {
			return out[i].Job.ID < out[j].Job.ID
		}
		return si.Before(sj)
	})
	return out
}

// OccupiedSegments returns what a job holds on its machine. Stored segment
// metadata wins; otherwise one segment is derived from the scheduled start
// and duration.
func (c *Checker) OccupiedSegments(job models.Job) []timeline.Segment {
	if job.SegmentInfo.Usable() {
		segs := job.SegmentInfo.Timeline()
		if job.ScheduledStartTime != nil {
			if first, _ := timeline.Bounds(segs); !first.Equal(*job.ScheduledStartTime) {
				c.integrity(job, "start_mismatch").
					Time("column_start", *job.ScheduledStartTime).
					Time("segment_start", first).
					Msg("segment metadata disagrees with scheduled start")
			}
		}
		return segs
	}

	switch {
	case job.SegmentInfo.Corrupt:
		c.integrity(job, "corrupt").Msg("segment metadata unreadable, using legacy occupancy")
	case job.SegmentInfo.Valid:
		c.integrity(job, "inconsistent").Msg("segment metadata inconsistent, using legacy occupancy")
	default:
		c.integrity(job, "missing").Msg("segment metadata missing, using legacy occupancy")
	}

	if job.ScheduledStartTime == nil {
		return nil
	}
	d := job.ScheduledDuration()
	if d <= 0 {
		return nil
	}
	return []timeline.Segment{timeline.NewSegment(*job.ScheduledStartTime, d)}
}

func (c *Checker) integrity(job models.Job, kind string) *zerolog.Event {
	telemetry.SegmentIntegrityTotal.WithLabelValues(kind).Inc()
	return c.logger.Warn().
		Str("kind", "segment_integrity").
		Str("integrity", kind).
		Str("job_id", job.ID).
		Str("machine_id", job.MachineID())
}
