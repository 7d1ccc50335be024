/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue keeps each machine's scheduled jobs back to back.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/events"
	"github.com/friendsincode/foreman/internal/lock"
	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/telemetry"
	"github.com/friendsincode/foreman/internal/timeline"
)

// Entry is one job in a machine queue.
type Entry struct {
	Position int                `json:"position"`
	Job      models.Job         `json:"job"`
	Segments []timeline.Segment `json:"segments"`
}

// Start is the entry's first occupied instant.
func (e Entry) Start() time.Time {
	start, _ := timeline.Bounds(e.Segments)
	return start
}

// End is the entry's last occupied instant.
func (e Entry) End() time.Time {
	_, end := timeline.Bounds(e.Segments)
	return end
}

// Manager serializes queue mutations per machine and recalculates the jobs
// they displace.
type Manager struct {
	engine   *scheduling.Engine
	locker   lock.Locker
	notifier events.Publisher
	logger   zerolog.Logger
}

// NewManager creates a queue manager. notifier may be nil.
func NewManager(engine *scheduling.Engine, locker lock.Locker, notifier events.Publisher, logger zerolog.Logger) *Manager {
	return &Manager{
		engine:   engine,
		locker:   locker,
		notifier: notifier,
		logger:   logger.With().Str("component", "queue_manager").Logger(),
	}
}

// Queue returns the machine's scheduled jobs ordered by earliest start.
func (m *Manager) Queue(ctx context.Context, machineID string) ([]Entry, error) {
	jobs, err := m.engine.Jobs().JobsOnMachine(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("load queue for %s: %w", machineID, err)
	}
	tls := m.engine.Checker().Timelines(jobs)
	out := make([]Entry, len(tls))
	for i, jt := range tls {
		out[i] = Entry{Position: i, Job: jt.Job, Segments: jt.Segments}
	}
	return out, nil
}

// ScheduleAtEndOfQueue places the job after the last queued job, or at the
// next quarter hour from now when that is later. A conflict is returned as data.
func (m *Manager) ScheduleAtEndOfQueue(ctx context.Context, machineID, jobID string) (res scheduling.Result, err error) {
	err = m.locked(ctx, "append", machineID, func(ctx context.Context) error {
		queue, err := m.queueWithout(ctx, machineID, jobID)
		if err != nil {
			return err
		}
		res, err = m.engine.ScheduleForward(ctx, scheduling.Request{
			JobID:     jobID,
			MachineID: machineID,
			Start:     m.tailStart(queue),
		})
		return err
	})
	return res, err
}

// Schedule places a job at an explicit time under the machine lock. A
// conflict is returned as data.
func (m *Manager) Schedule(ctx context.Context, req scheduling.Request, dir scheduling.Direction) (res scheduling.Result, err error) {
	err = m.locked(ctx, "schedule", req.MachineID, func(ctx context.Context) error {
		if dir == scheduling.Backward {
			res, err = m.engine.ScheduleBackward(ctx, req)
		} else {
			res, err = m.engine.ScheduleForward(ctx, req)
		}
		return err
	})
	return res, err
}

// Unschedule clears a job without touching the rest of its queue.
func (m *Manager) Unschedule(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.engine.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.IsScheduled() {
		return job, nil
	}
	err = m.locked(ctx, "unschedule", job.MachineID(), func(ctx context.Context) error {
		job, err = m.engine.Unschedule(ctx, jobID)
		return err
	})
	return job, err
}

// InsertAtPosition places the job at position and moves every later job
// back to back behind it.
func (m *Manager) InsertAtPosition(ctx context.Context, machineID, jobID string, position int) (placed []scheduling.Placement, err error) {
	err = m.locked(ctx, "insert", machineID, func(ctx context.Context) error {
		queue, err := m.queueWithout(ctx, machineID, jobID)
		if err != nil {
			return err
		}

		var start time.Time
		var tail []Entry
		switch {
		case position <= 0:
			start = timeline.CeilQuarter(m.engine.Now())
			tail = queue
		case position >= len(queue):
			start = m.tailStart(queue)
		default:
			start = timeline.CeilQuarter(queue[position-1].End())
			tail = queue[position:]
		}

		order := append([]string{jobID}, ids(tail)...)
		placed, err = m.cascade(ctx, "insert", machineID, start, order, nil)
		return err
	})
	return placed, err
}

// Reorder moves jobID from oldIndex to newIndex and recalculates from the
// lower of the two, anchored at that slot's original start.
func (m *Manager) Reorder(ctx context.Context, machineID, jobID string, oldIndex, newIndex int) (placed []scheduling.Placement, err error) {
	err = m.locked(ctx, "reorder", machineID, func(ctx context.Context) error {
		queue, err := m.Queue(ctx, machineID)
		if err != nil {
			return err
		}
		if oldIndex < 0 || oldIndex >= len(queue) || queue[oldIndex].Job.ID != jobID {
			return fmt.Errorf("%w: %s is not at position %d on %s", scheduling.ErrStaleQueue, jobID, oldIndex, machineID)
		}
		if newIndex < 0 || newIndex >= len(queue) {
			return fmt.Errorf("%w: position %d outside queue of %d", scheduling.ErrStaleQueue, newIndex, len(queue))
		}
		if oldIndex == newIndex {
			return nil
		}

		order := ids(queue)
		moved := order[oldIndex]
		order = append(order[:oldIndex], order[oldIndex+1:]...)
		order = append(order[:newIndex], append([]string{moved}, order[newIndex:]...)...)

		lo := min(oldIndex, newIndex)
		placed, err = m.cascade(ctx, "reorder", machineID, queue[lo].Start(), order[lo:], nil)
		return err
	})
	return placed, err
}

// Remove unschedules the job and closes the gap it leaves.
func (m *Manager) Remove(ctx context.Context, machineID, jobID string) (placed []scheduling.Placement, err error) {
	err = m.locked(ctx, "remove", machineID, func(ctx context.Context) error {
		queue, err := m.Queue(ctx, machineID)
		if err != nil {
			return err
		}
		idx := indexOf(queue, jobID)
		if idx < 0 {
			return fmt.Errorf("%w: %s is not queued on %s", scheduling.ErrJobNotFound, jobID, machineID)
		}

		start := queue[idx].Start()
		if idx > 0 {
			start = timeline.CeilQuarter(queue[idx-1].End())
		}
		placed, err = m.cascade(ctx, "remove", machineID, start, ids(queue[idx+1:]), []string{jobID})
		return err
	})
	return placed, err
}

// RecalculateFrom re-places every job from startPosition onward, each at the
// quarter hour after its predecessor ends.
func (m *Manager) RecalculateFrom(ctx context.Context, machineID string, startPosition int) (placed []scheduling.Placement, err error) {
	err = m.locked(ctx, "recalculate", machineID, func(ctx context.Context) error {
		queue, err := m.Queue(ctx, machineID)
		if err != nil {
			return err
		}
		if startPosition < 0 {
			startPosition = 0
		}
		if startPosition >= len(queue) {
			return nil
		}

		start := queue[0].Start()
		if startPosition > 0 {
			start = timeline.CeilQuarter(queue[startPosition-1].End())
		}
		placed, err = m.cascade(ctx, "recalculate", machineID, start, ids(queue[startPosition:]), nil)
		return err
	})
	return placed, err
}

// locked runs fn under the machine lock with metrics and a span.
func (m *Manager) locked(ctx context.Context, operation, machineID string, fn func(context.Context) error) (err error) {
	ctx, finish := telemetry.TrackOperation(ctx, "queue_"+operation, map[string]any{"machine_id": machineID})
	defer func() {
		finish(err)
		result := "ok"
		if err != nil {
			result = "error"
		}
		telemetry.QueueOperationsTotal.WithLabelValues(operation, result).Inc()
	}()

	release, err := m.locker.Acquire(ctx, lock.MachineKey(machineID))
	if err != nil {
		return fmt.Errorf("lock machine %s: %w", machineID, err)
	}
	defer release()

	if err := fn(ctx); err != nil {
		m.logger.Warn().Err(err).Str("operation", operation).Str("machine_id", machineID).Msg("queue operation failed")
		return err
	}
	return nil
}

// cascade plans order back to back from start, then unschedules drop and
// commits every placement in one transaction. The first job starts exactly
// at start; every later one at the quarter hour after its predecessor.
func (m *Manager) cascade(ctx context.Context, operation, machineID string, start time.Time, order, drop []string) ([]scheduling.Placement, error) {
	batch := append(append([]string(nil), order...), drop...)
	placed := make([]scheduling.Placement, 0, len(order))
	cursor := start
	for i, jobID := range order {
		if i > 0 {
			cursor = timeline.CeilQuarter(cursor)
		}
		res, err := m.engine.PlanForward(ctx, scheduling.Request{
			JobID:     jobID,
			MachineID: machineID,
			Start:     cursor,
			Exclude:   batch,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: place %s: %w", operation, jobID, err)
		}
		if res.Conflict != nil {
			return nil, m.engine.Invariant("queue_"+operation, machineID, res.Conflict)
		}
		placed = append(placed, *res.Placement)
		cursor = res.Placement.End()
	}

	if err := m.engine.CommitReplacing(context.WithoutCancel(ctx), drop, placed...); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("operation", operation).
		Str("machine_id", machineID).
		Strs("jobs", order).
		Strs("removed", drop).
		Msg("queue recalculated")
	if m.notifier != nil {
		m.notifier.Publish(events.EventQueueRecalculated, events.Payload{
			"machine_id": machineID,
			"operation":  operation,
			"jobs":       order,
			"removed":    drop,
		})
	}
	return placed, nil
}

func (m *Manager) queueWithout(ctx context.Context, machineID, jobID string) ([]Entry, error) {
	queue, err := m.Queue(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if idx := indexOf(queue, jobID); idx >= 0 {
		queue = append(queue[:idx], queue[idx+1:]...)
	}
	return queue, nil
}

// tailStart is max(end of the last job, now) rounded up to the quarter hour.
func (m *Manager) tailStart(queue []Entry) time.Time {
	start := m.engine.Now()
	if n := len(queue); n > 0 && queue[n-1].End().After(start) {
		start = queue[n-1].End()
	}
	return timeline.CeilQuarter(start)
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Job.ID
	}
	return out
}

func indexOf(entries []Entry, jobID string) int {
	for i, e := range entries {
		if e.Job.ID == jobID {
			return i
		}
	}
	return -1
}
