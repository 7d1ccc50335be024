/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/foreman/internal/db"
	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/timeline"
)

func newGormStore(t *testing.T) *Gorm {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })
	return NewGorm(database, zerolog.Nop())
}

// forEachStore runs the same contract against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("gorm", func(t *testing.T) { fn(t, newGormStore(t)) })
}

func at(hour, minute int) time.Time {
	return time.Date(2030, 3, 4, hour, minute, 0, 0, time.UTC)
}

func TestJobLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveMachine(ctx, &models.Machine{ID: "m-1", Name: "Press", Active: true}); err != nil {
			t.Fatalf("save machine: %v", err)
		}
		job := &models.Job{ID: "j-1", Name: "Bracket", DurationHours: 3}
		if err := s.SaveJob(ctx, job); err != nil {
			t.Fatalf("save job: %v", err)
		}

		segs := []timeline.Segment{
			{Start: at(11, 0), End: at(12, 0)},
			{Start: at(13, 0), End: at(15, 0)},
		}
		updated, err := s.PersistJobUpdate(ctx, models.ScheduleUpdate("j-1", "m-1", segs, 3*time.Hour))
		if err != nil {
			t.Fatalf("persist: %v", err)
		}
		if !updated.IsScheduled() || updated.MachineID() != "m-1" {
			t.Fatalf("job not scheduled: %+v", updated)
		}
		if !updated.ScheduledStartTime.Equal(at(11, 0)) || !updated.ScheduledEndTime.Equal(at(15, 0)) {
			t.Fatalf("unexpected bounds %v - %v", updated.ScheduledStartTime, updated.ScheduledEndTime)
		}
		if !updated.SegmentInfo.Usable() || !updated.SegmentInfo.WasSplit || updated.SegmentInfo.TotalSegments != 2 {
			t.Fatalf("unexpected segment info %+v", updated.SegmentInfo)
		}
		got := updated.SegmentInfo.Timeline()
		if !got[1].Start.Equal(at(13, 0)) || got[1].Hours() != 2 {
			t.Fatalf("segments did not round trip: %+v", got)
		}

		onMachine, err := s.JobsOnMachine(ctx, "m-1")
		if err != nil || len(onMachine) != 1 {
			t.Fatalf("jobs on machine: %v %d", err, len(onMachine))
		}

		cleared, err := s.PersistJobUpdate(ctx, models.UnscheduleUpdate("j-1"))
		if err != nil {
			t.Fatalf("unschedule: %v", err)
		}
		if cleared.Status != models.JobNotScheduled || cleared.ScheduledMachineID != nil ||
			cleared.ScheduledStartTime != nil || cleared.ScheduledEndTime != nil || cleared.SegmentInfo.Valid {
			t.Fatalf("unschedule left state behind: %+v", cleared)
		}
		onMachine, _ = s.JobsOnMachine(ctx, "m-1")
		if len(onMachine) != 0 {
			t.Fatalf("expected no scheduled jobs, got %d", len(onMachine))
		}
	})
}

func TestApplyUpdatesIsAllOrNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_ = s.SaveMachine(ctx, &models.Machine{ID: "m-1"})
		_ = s.SaveJob(ctx, &models.Job{ID: "a", DurationHours: 1})

		updates := []models.JobUpdate{
			models.ScheduleUpdate("a", "m-1", []timeline.Segment{{Start: at(9, 0), End: at(10, 0)}}, time.Hour),
			models.ScheduleUpdate("missing", "m-1", []timeline.Segment{{Start: at(10, 0), End: at(11, 0)}}, time.Hour),
		}
		err := s.ApplyUpdates(ctx, updates)
		if !errors.Is(err, scheduling.ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}

		a, err := s.GetJob(ctx, "a")
		if err != nil {
			t.Fatalf("get a: %v", err)
		}
		if a.Status != models.JobNotScheduled {
			t.Fatalf("partial write leaked: %+v", a)
		}
	})
}

func TestNotFoundErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, scheduling.ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
		if _, err := s.GetMachine(ctx, "nope"); !errors.Is(err, scheduling.ErrMachineNotFound) {
			t.Fatalf("expected ErrMachineNotFound, got %v", err)
		}
		ok, err := s.MachineExists(ctx, "nope")
		if err != nil || ok {
			t.Fatalf("expected missing machine, got %v %v", ok, err)
		}
	})
}

func TestAvailabilityWritesFireHooks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var fired []string
		s.OnAvailabilityWrite(func(_ context.Context, machineID, date string) {
			fired = append(fired, machineID+"/"+date)
		})

		rec, err := s.SaveAvailability(ctx, "m-1", "2030-03-04", []int{13, 12, 12, 30}, "maintenance")
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		if len(rec.UnavailableHours) != 2 || rec.UnavailableHours[0] != 12 {
			t.Fatalf("hours not normalized: %v", rec.UnavailableHours)
		}
		if _, err := s.SaveAvailability(ctx, "m-1", "2030-03-04", []int{8}, ""); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		if _, err := s.SaveAvailability(ctx, "m-1", "2030-03-06", []int{0}, ""); err != nil {
			t.Fatalf("save second day: %v", err)
		}

		got, err := s.GetAvailability(ctx, "m-1", "2030-03-04")
		if err != nil || got == nil {
			t.Fatalf("get: %v %v", got, err)
		}
		if len(got.UnavailableHours) != 1 || got.UnavailableHours[0] != 8 {
			t.Fatalf("expected overwrite, got %v", got.UnavailableHours)
		}
		none, err := s.GetAvailability(ctx, "m-1", "2030-03-05")
		if err != nil || none != nil {
			t.Fatalf("expected no record, got %v %v", none, err)
		}

		days, err := s.AvailabilityRange(ctx, "m-1", "2030-03-04", "2030-03-05")
		if err != nil || len(days) != 1 {
			t.Fatalf("range: %v %d", err, len(days))
		}
		if len(fired) != 3 || fired[0] != "m-1/2030-03-04" {
			t.Fatalf("unexpected hook calls %v", fired)
		}
	})
}

func TestCorruptSegmentMetadataLoadsAsUnusable(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()
	_ = s.SaveJob(ctx, &models.Job{ID: "legacy", DurationHours: 2})

	start := at(9, 0)
	if err := s.DB().Exec("UPDATE jobs SET status = ?, scheduled_machine_id = ?, scheduled_start_time = ?, segment_metadata = ? WHERE id = ?",
		models.JobScheduled, "m-1", start, "{not json", "legacy").Error; err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	job, err := s.GetJob(ctx, "legacy")
	if err != nil {
		t.Fatalf("get corrupt job: %v", err)
	}
	if job.SegmentInfo.Usable() || !job.SegmentInfo.Corrupt {
		t.Fatalf("expected corrupt metadata flag, got %+v", job.SegmentInfo)
	}
}
