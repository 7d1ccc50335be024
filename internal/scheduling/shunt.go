/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/events"
	"github.com/friendsincode/foreman/internal/lock"
	"github.com/friendsincode/foreman/internal/telemetry"
	"github.com/friendsincode/foreman/internal/timeline"
)

// ShuntDirection says which way displaced jobs move.
type ShuntDirection string

const (
	ShuntLeft  ShuntDirection = "left"
	ShuntRight ShuntDirection = "right"
)

// Valid reports whether d is a known direction.
func (d ShuntDirection) Valid() bool {
	return d == ShuntLeft || d == ShuntRight
}

// ConflictDetails identifies a drag that landed on another job.
type ConflictDetails struct {
	JobID            string
	MachineID        string
	ProposedStart    time.Time
	ConflictingJobID string
	// Duration overrides the dragged job's remaining work when positive.
	Duration time.Duration
}

// DetailsFromConflict converts an engine conflict into shunt input.
func DetailsFromConflict(c Conflict) ConflictDetails {
	return ConflictDetails{
		JobID:            c.JobID,
		MachineID:        c.MachineID,
		ProposedStart:    c.ProposedStart(),
		ConflictingJobID: c.ConflictingJobID,
		Duration:         c.Duration,
	}
}

// ShuntResult is the full set of placements a shunt commits.
type ShuntResult struct {
	Direction ShuntDirection
	Dragged   Placement
	// Moved holds the displaced jobs in chronological order.
	Moved []Placement
}

// Placements returns every placement in chronological order.
func (r ShuntResult) Placements() []Placement {
	out := make([]Placement, 0, len(r.Moved)+1)
	if r.Direction == ShuntLeft {
		out = append(out, r.Moved...)
		return append(out, r.Dragged)
	}
	out = append(out, r.Dragged)
	return append(out, r.Moved...)
}

// Resolver moves neighbouring jobs out of the way of a dragged job.
type Resolver struct {
	engine *Engine
	locker lock.Locker
	logger zerolog.Logger
}

// NewResolver creates a conflict resolver.
func NewResolver(engine *Engine, locker lock.Locker, logger zerolog.Logger) *Resolver {
	return &Resolver{
		engine: engine,
		locker: locker,
		logger: logger.With().Str("component", "conflict_resolver").Logger(),
	}
}

// ResolveByShunting plans and commits a shunt under the machine lock.
func (r *Resolver) ResolveByShunting(ctx context.Context, details ConflictDetails, dir ShuntDirection) (res *ShuntResult, err error) {
	ctx, finish := telemetry.TrackOperation(ctx, "shunt_"+string(dir), map[string]any{
		"job_id":     details.JobID,
		"machine_id": details.MachineID,
	})
	defer func() {
		finish(err)
		result := "ok"
		if err != nil {
			result = "error"
		}
		telemetry.ShuntsTotal.WithLabelValues(string(dir), result).Inc()
	}()

	release, err := r.locker.Acquire(ctx, lock.MachineKey(details.MachineID))
	if err != nil {
		return nil, fmt.Errorf("lock machine %s: %w", details.MachineID, err)
	}
	defer release()

	res, err = r.Plan(ctx, details, dir)
	if err != nil {
		return nil, err
	}

	// The cascade is committed even if the caller goes away now.
	if err := r.engine.Commit(context.WithoutCancel(ctx), res.Placements()...); err != nil {
		return nil, err
	}

	moved := make([]string, len(res.Moved))
	for i, p := range res.Moved {
		moved[i] = p.JobID
	}
	r.logger.Info().
		Str("job_id", details.JobID).
		Str("machine_id", details.MachineID).
		Str("direction", string(dir)).
		Strs("moved", moved).
		Msg("shunt committed")
	r.engine.publish(events.EventShunted, events.Payload{
		"job_id":     details.JobID,
		"machine_id": details.MachineID,
		"direction":  string(dir),
		"moved":      moved,
	})
	return res, nil
}

// Plan computes a shunt without locking or persisting.
func (r *Resolver) Plan(ctx context.Context, details ConflictDetails, dir ShuntDirection) (*ShuntResult, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("unknown shunt direction %q", dir)
	}
	dragged, err := r.engine.jobs.GetJob(ctx, details.JobID)
	if err != nil {
		return nil, err
	}
	d := details.Duration
	if d <= 0 {
		d = dragged.RemainingDuration()
	}
	if d <= 0 {
		return nil, fmt.Errorf("%w: job %s", ErrInvalidDuration, dragged.ID)
	}

	jobs, err := r.engine.jobs.JobsOnMachine(ctx, details.MachineID)
	if err != nil {
		return nil, fmt.Errorf("load jobs on %s: %w", details.MachineID, err)
	}
	queue := make([]JobTimeline, 0, len(jobs))
	for _, jt := range r.engine.checker.Timelines(jobs) {
		if jt.Job.ID != dragged.ID {
			queue = append(queue, jt)
		}
	}

	// The collision is re-derived under the caller's lock; a supplied id only
	// has to agree with it.
	res, err := r.engine.PlanForward(ctx, Request{JobID: dragged.ID, MachineID: details.MachineID, Start: details.ProposedStart, Duration: d})
	if err != nil {
		return nil, err
	}
	if res.Placement != nil {
		return &ShuntResult{Direction: dir, Dragged: *res.Placement}, nil
	}
	conflictingID := res.Conflict.ConflictingJobID
	if details.ConflictingJobID != "" && details.ConflictingJobID != conflictingID {
		return nil, fmt.Errorf("%w: %s at %s collides with %s, not %s", ErrStaleQueue,
			dragged.ID, details.ProposedStart.Format(time.RFC3339), conflictingID, details.ConflictingJobID)
	}

	idx := -1
	for i, jt := range queue {
		if jt.Job.ID == conflictingID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s is not scheduled on %s", ErrJobNotFound, conflictingID, details.MachineID)
	}

	p := shuntPlan{
		r:         r,
		machineID: details.MachineID,
		dragged:   dragged.ID,
		proposed:  details.ProposedStart,
		duration:  d,
		queue:     queue,
		idx:       idx,
	}
	if dir == ShuntRight {
		return p.right(ctx)
	}
	return p.left(ctx)
}

type shuntPlan struct {
	r         *Resolver
	machineID string
	dragged   string
	proposed  time.Time
	duration  time.Duration
	queue     []JobTimeline
	idx       int
}

// batch returns the ids planned together; they ignore each other.
func (p shuntPlan) batch(run []JobTimeline) []string {
	ids := make([]string, 0, len(run)+1)
	ids = append(ids, p.dragged)
	for _, jt := range run {
		ids = append(ids, jt.Job.ID)
	}
	return ids
}

// rightRunLength walks the gaps after the conflicting job until they add up
// to the dragged duration. The right edge is open.
func (p shuntPlan) rightRunLength() int {
	var gap time.Duration
	n := 1
	for k := p.idx; k+1 < len(p.queue); k++ {
		if g := p.queue[k+1].Start().Sub(p.queue[k].End()); g > 0 {
			gap += g
		}
		if gap >= p.duration {
			break
		}
		n++
	}
	return n
}

// leftRunStart walks the gaps before the conflicting job, then the gap
// between now and the first job.
func (p shuntPlan) leftRunStart(now time.Time) (int, error) {
	var gap time.Duration
	first := p.idx
	for first > 0 {
		if g := p.queue[first].Start().Sub(p.queue[first-1].End()); g > 0 {
			gap += g
		}
		if gap >= p.duration {
			return first, nil
		}
		first--
	}
	if g := p.queue[0].Start().Sub(now); g > 0 {
		gap += g
	}
	if gap < p.duration {
		return 0, fmt.Errorf("%w: %s of room before %s, need %s", ErrShuntInfeasible, gap, p.queue[p.idx].Job.ID, p.duration)
	}
	return 0, nil
}

func (p shuntPlan) right(ctx context.Context) (*ShuntResult, error) {
	n := p.rightRunLength()
	for {
		res, extend, err := p.planRight(ctx, p.queue[p.idx:p.idx+n])
		if err != nil {
			return nil, err
		}
		if !extend {
			return res, nil
		}
		n++
	}
}

// planRight places the dragged job at the proposed start, then pushes each
// run job to the next quarter hour after its predecessor. Jobs never move
// earlier; the cascade stops at the first job its predecessor no longer
// reaches. extend is set when a placement hit the job just past the run.
func (p shuntPlan) planRight(ctx context.Context, run []JobTimeline) (*ShuntResult, bool, error) {
	exclude := p.batch(run)
	var beyond string
	if end := p.idx + len(run); end < len(p.queue) {
		beyond = p.queue[end].Job.ID
	}

	res, err := p.r.engine.PlanForward(ctx, Request{JobID: p.dragged, MachineID: p.machineID, Start: p.proposed, Duration: p.duration, Exclude: exclude})
	if err != nil {
		return nil, false, err
	}
	if res.Conflict != nil {
		if beyond != "" && res.Conflict.ConflictingJobID == beyond {
			return nil, true, nil
		}
		return nil, false, p.r.engine.Invariant("shunt_right", p.machineID, res.Conflict)
	}

	out := &ShuntResult{Direction: ShuntRight, Dragged: *res.Placement}
	prevEnd := res.Placement.End()
	for _, jt := range run {
		if !prevEnd.After(jt.Start()) {
			break
		}
		res, err := p.r.engine.PlanForward(ctx, Request{JobID: jt.Job.ID, MachineID: p.machineID, Start: timeline.CeilQuarter(prevEnd), Exclude: exclude})
		if err != nil {
			return nil, false, fmt.Errorf("shunt %s right: %w", jt.Job.ID, err)
		}
		if res.Conflict != nil {
			if beyond != "" && res.Conflict.ConflictingJobID == beyond {
				return nil, true, nil
			}
			return nil, false, p.r.engine.Invariant("shunt_right", p.machineID, res.Conflict)
		}
		out.Moved = append(out.Moved, *res.Placement)
		prevEnd = res.Placement.End()
	}
	return out, false, nil
}

func (p shuntPlan) left(ctx context.Context) (*ShuntResult, error) {
	now := timeline.CeilQuarter(p.r.engine.Now())
	first, err := p.leftRunStart(now)
	if err != nil {
		return nil, err
	}
	for {
		res, extend, err := p.planLeft(ctx, p.queue[first:p.idx+1], now)
		if err != nil {
			return nil, err
		}
		if !extend {
			return res, nil
		}
		first--
	}
}

// planLeft pulls the conflicting job back to end at the quarter hour before
// the proposed start, each earlier run job to end where its successor now
// starts, then places the dragged job forward. Jobs never move later; the
// cascade stops at the first job that already ends before its successor.
func (p shuntPlan) planLeft(ctx context.Context, run []JobTimeline, now time.Time) (*ShuntResult, bool, error) {
	exclude := p.batch(run)
	first := p.idx - len(run) + 1
	var beyond string
	if first > 0 {
		beyond = p.queue[first-1].Job.ID
	}

	moved := make([]Placement, 0, len(run))
	anchor := timeline.FloorQuarter(p.proposed)
	for i := len(run) - 1; i >= 0; i-- {
		jt := run[i]
		if !jt.End().After(anchor) {
			break
		}
		res, err := p.r.engine.PlanBackward(ctx, Request{JobID: jt.Job.ID, MachineID: p.machineID, End: anchor, Exclude: exclude})
		if err != nil {
			return nil, false, fmt.Errorf("shunt %s left: %w", jt.Job.ID, err)
		}
		if res.Conflict != nil {
			if beyond != "" && res.Conflict.ConflictingJobID == beyond {
				return nil, true, nil
			}
			return nil, false, p.r.engine.Invariant("shunt_left", p.machineID, res.Conflict)
		}
		if res.Placement.Start().Before(now) {
			return nil, false, fmt.Errorf("%w: %s would start at %s, before now", ErrShuntInfeasible, jt.Job.ID, res.Placement.Start().Format(time.RFC3339))
		}
		moved = append(moved, *res.Placement)
		anchor = timeline.FloorQuarter(res.Placement.Start())
	}
	slices.Reverse(moved)

	res, err := p.r.engine.PlanForward(ctx, Request{JobID: p.dragged, MachineID: p.machineID, Start: p.proposed, Duration: p.duration, Exclude: exclude})
	if err != nil {
		return nil, false, err
	}
	if res.Conflict != nil {
		for _, jt := range p.queue[p.idx+1:] {
			if jt.Job.ID == res.Conflict.ConflictingJobID {
				return nil, false, fmt.Errorf("%w: %s still overlaps %s after the run", ErrShuntInfeasible, p.dragged, jt.Job.ID)
			}
		}
		return nil, false, p.r.engine.Invariant("shunt_left", p.machineID, res.Conflict)
	}
	return &ShuntResult{Direction: ShuntLeft, Dragged: *res.Placement, Moved: moved}, false, nil
}
