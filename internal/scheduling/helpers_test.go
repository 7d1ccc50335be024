/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/availability"
	"github.com/friendsincode/foreman/internal/events"
	"github.com/friendsincode/foreman/internal/lock"
	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/store"
	"github.com/friendsincode/foreman/internal/timeline"
)

const machineID = "m-1"

// at returns a wall clock time on the fixture day.
func at(hour, minute int) time.Time {
	return time.Date(2030, 3, 4, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	avail    *availability.Store
	engine   *scheduling.Engine
	resolver *scheduling.Resolver
	locker   *lock.Memory
	bus      *events.Bus
	now      time.Time
}

func newFixture(t *testing.T, cfg scheduling.Config) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  store.NewMemory(),
		bus:    events.NewBus(),
		locker: lock.NewMemory(100 * time.Millisecond),
		now:    at(6, 0),
	}
	if err := f.store.SaveMachine(f.ctx, &models.Machine{ID: machineID, Name: "Lathe", Active: true}); err != nil {
		t.Fatalf("save machine: %v", err)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return f.now }
	}
	checker := scheduling.NewChecker(f.store, zerolog.Nop())
	f.avail = availability.New(f.store, nil, checker, nil, f.locker, availability.Config{}, zerolog.Nop())
	f.store.OnAvailabilityWrite(f.avail.Invalidate)
	f.engine = scheduling.NewEngine(f.store, f.avail, f.bus, cfg, zerolog.Nop())
	f.resolver = scheduling.NewResolver(f.engine, f.locker, zerolog.Nop())
	return f
}

func (f *fixture) job(id string, hours float64) {
	f.t.Helper()
	if err := f.store.SaveJob(f.ctx, &models.Job{ID: id, Name: "job " + id, DurationHours: hours}); err != nil {
		f.t.Fatalf("save job %s: %v", id, err)
	}
}

// place puts a job straight into the store without the engine.
func (f *fixture) place(id string, start time.Time, hours float64) {
	f.t.Helper()
	f.job(id, hours)
	d := timeline.HoursToDuration(hours)
	segs := []timeline.Segment{timeline.NewSegment(start, d)}
	if _, err := f.store.PersistJobUpdate(f.ctx, models.ScheduleUpdate(id, machineID, segs, d)); err != nil {
		f.t.Fatalf("place %s: %v", id, err)
	}
}

func (f *fixture) unavailable(hours ...int) {
	f.t.Helper()
	if _, err := f.store.SaveAvailability(f.ctx, machineID, "2030-03-04", hours, ""); err != nil {
		f.t.Fatalf("save availability: %v", err)
	}
}

func (f *fixture) segments(id string) []timeline.Segment {
	f.t.Helper()
	j, err := f.store.GetJob(f.ctx, id)
	if err != nil {
		f.t.Fatalf("get %s: %v", id, err)
	}
	return f.engine.Checker().OccupiedSegments(*j)
}

// assertNoOverlaps checks every pair of scheduled jobs on the machine.
func (f *fixture) assertNoOverlaps() {
	f.t.Helper()
	jobs, err := f.store.JobsOnMachine(f.ctx, machineID)
	if err != nil {
		f.t.Fatalf("jobs on machine: %v", err)
	}
	tls := f.engine.Checker().Timelines(jobs)
	for i := range tls {
		if !timeline.Ordered(tls[i].Segments) {
			f.t.Fatalf("job %s segments not ordered: %v", tls[i].Job.ID, tls[i].Segments)
		}
		for j := i + 1; j < len(tls); j++ {
			if timeline.AnyOverlap(tls[i].Segments, tls[j].Segments) {
				f.t.Fatalf("jobs %s and %s overlap: %v vs %v", tls[i].Job.ID, tls[j].Job.ID, tls[i].Segments, tls[j].Segments)
			}
		}
	}
}

func assertSegments(t *testing.T, got []timeline.Segment, want ...timeline.Segment) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d segments, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Fatalf("segment %d: expected [%s, %s), got [%s, %s)", i,
				want[i].Start.Format("15:04"), want[i].End.Format("15:04"),
				got[i].Start.Format("15:04"), got[i].End.Format("15:04"))
		}
	}
}

func seg(startH, startM, endH, endM int) timeline.Segment {
	return timeline.Segment{Start: at(startH, startM), End: at(endH, endM)}
}
