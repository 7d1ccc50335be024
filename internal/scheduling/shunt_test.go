/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling_test

import (
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/foreman/internal/events"
	"github.com/friendsincode/foreman/internal/lock"
	"github.com/friendsincode/foreman/internal/scheduling"
)

func TestShuntRightMovesConflictingJob(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.job("b", 2)

	res, err := f.engine.ScheduleForward(f.ctx, scheduling.Request{JobID: "b", MachineID: machineID, Start: at(10, 0)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if res.Conflict == nil {
		t.Fatal("expected conflict")
	}

	shunt, err := f.resolver.ResolveByShunting(f.ctx, scheduling.DetailsFromConflict(*res.Conflict), scheduling.ShuntRight)
	if err != nil {
		t.Fatalf("shunt: %v", err)
	}
	assertSegments(t, shunt.Dragged.Segments, seg(10, 0, 12, 0))
	if len(shunt.Moved) != 1 || shunt.Moved[0].JobID != "a" {
		t.Fatalf("unexpected moved jobs %+v", shunt.Moved)
	}

	assertSegments(t, f.segments("b"), seg(10, 0, 12, 0))
	assertSegments(t, f.segments("a"), seg(12, 0, 14, 0))
	f.assertNoOverlaps()
}

func TestShuntRightExtendsRunIntoNextJob(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.place("c", at(12, 0), 2)
	f.place("d", at(16, 0), 2)
	f.job("b", 2)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 30), ConflictingJobID: "a"}
	if _, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntRight); err != nil {
		t.Fatalf("shunt: %v", err)
	}

	assertSegments(t, f.segments("b"), seg(10, 30, 12, 30))
	assertSegments(t, f.segments("a"), seg(12, 30, 14, 30))
	assertSegments(t, f.segments("c"), seg(14, 30, 16, 30))
	assertSegments(t, f.segments("d"), seg(16, 30, 18, 30))
	f.assertNoOverlaps()
}

func TestShuntRightStopsAtLargeGap(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.place("c", at(16, 0), 2)
	f.job("b", 2)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "a"}
	res, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntRight)
	if err != nil {
		t.Fatalf("shunt: %v", err)
	}
	if len(res.Moved) != 1 {
		t.Fatalf("expected only a to move, got %+v", res.Moved)
	}
	assertSegments(t, f.segments("c"), seg(16, 0, 18, 0))
	f.assertNoOverlaps()
}

func TestShuntRightSplitsAroundWindow(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.job("b", 2)
	f.unavailable(13)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "a"}
	if _, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntRight); err != nil {
		t.Fatalf("shunt: %v", err)
	}
	assertSegments(t, f.segments("a"), seg(12, 0, 13, 0), seg(14, 0, 15, 0))
	f.assertNoOverlaps()
}

func TestShuntLeftPullsConflictingJobBack(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(9, 0), 2)
	f.job("b", 2)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "a"}
	res, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntLeft)
	if err != nil {
		t.Fatalf("shunt: %v", err)
	}
	placements := res.Placements()
	if len(placements) != 2 || placements[0].JobID != "a" || placements[1].JobID != "b" {
		t.Fatalf("expected chronological [a b], got %+v", placements)
	}
	assertSegments(t, f.segments("a"), seg(8, 0, 10, 0))
	assertSegments(t, f.segments("b"), seg(10, 0, 12, 0))
	f.assertNoOverlaps()
}

func TestShuntLeftMovesEarlierJobsThroughSmallGaps(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(8, 0), 1)
	f.place("c", at(9, 30), 1.5)
	f.job("b", 2)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "c"}
	if _, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntLeft); err != nil {
		t.Fatalf("shunt: %v", err)
	}
	assertSegments(t, f.segments("c"), seg(8, 30, 10, 0))
	assertSegments(t, f.segments("a"), seg(7, 30, 8, 30))
	assertSegments(t, f.segments("b"), seg(10, 0, 12, 0))
	f.assertNoOverlaps()
}

func TestShuntLeftInfeasible(t *testing.T) {
	t.Run("not enough room before now", func(t *testing.T) {
		f := newFixture(t, scheduling.Config{})
		f.now = at(8, 30)
		f.place("a", at(9, 0), 2)
		f.job("b", 2)

		details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "a"}
		_, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntLeft)
		if !errors.Is(err, scheduling.ErrShuntInfeasible) {
			t.Fatalf("expected ErrShuntInfeasible, got %v", err)
		}
		assertSegments(t, f.segments("a"), seg(9, 0, 11, 0))
	})

	t.Run("dragged job still hits a later job", func(t *testing.T) {
		f := newFixture(t, scheduling.Config{})
		f.place("a", at(9, 0), 1)
		f.place("c", at(11, 0), 2)
		f.job("b", 2)

		details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(9, 30), ConflictingJobID: "a"}
		_, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntLeft)
		if !errors.Is(err, scheduling.ErrShuntInfeasible) {
			t.Fatalf("expected ErrShuntInfeasible, got %v", err)
		}
		assertSegments(t, f.segments("a"), seg(9, 0, 10, 0))
		b, _ := f.store.GetJob(f.ctx, "b")
		if b.IsScheduled() {
			t.Fatal("infeasible shunt persisted the dragged job")
		}
	})
}

func TestShuntDetectsConflictWhenNotGiven(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.job("b", 2)

	res, err := f.resolver.Plan(f.ctx, scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(11, 0)}, scheduling.ShuntRight)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	assertSegments(t, res.Dragged.Segments, seg(11, 0, 13, 0))
	if len(res.Moved) != 1 {
		t.Fatalf("expected a to move, got %+v", res.Moved)
	}
	assertSegments(t, res.Moved[0].Segments, seg(13, 0, 15, 0))

	free, err := f.resolver.Plan(f.ctx, scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(14, 0)}, scheduling.ShuntRight)
	if err != nil {
		t.Fatalf("plan free slot: %v", err)
	}
	if len(free.Moved) != 0 {
		t.Fatalf("free slot moved jobs: %+v", free.Moved)
	}
}

func TestShuntErrors(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.job("b", 2)

	tests := []struct {
		name    string
		details scheduling.ConflictDetails
		dir     scheduling.ShuntDirection
		want    error
	}{
		{"unknown dragged job", scheduling.ConflictDetails{JobID: "ghost", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "a"}, scheduling.ShuntRight, scheduling.ErrJobNotFound},
		{"conflicting job not on machine", scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "ghost"}, scheduling.ShuntRight, scheduling.ErrStaleQueue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.resolver.ResolveByShunting(f.ctx, tt.details, tt.dir)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := f.resolver.Plan(f.ctx, scheduling.ConflictDetails{JobID: "b", MachineID: machineID}, "up"); err == nil {
		t.Fatal("expected error for unknown direction")
	}
}

func TestShuntTimesOutOnHeldLock(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.job("b", 2)

	release, err := f.locker.Acquire(f.ctx, lock.MachineKey(machineID))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "a"}
	if _, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntRight); !errors.Is(err, lock.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	assertSegments(t, f.segments("a"), seg(10, 0, 12, 0))
}

func TestShuntPublishesEvent(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.job("b", 2)
	sub := f.bus.Subscribe(events.EventShunted)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "a"}
	if _, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntRight); err != nil {
		t.Fatalf("shunt: %v", err)
	}

	select {
	case p := <-sub:
		if p["direction"] != "right" || p["job_id"] != "b" {
			t.Fatalf("unexpected payload %v", p)
		}
		moved, ok := p["moved"].([]string)
		if !ok || len(moved) != 1 || moved[0] != "a" {
			t.Fatalf("unexpected moved list %v", p["moved"])
		}
	case <-time.After(time.Second):
		t.Fatal("no shunt event")
	}
}

func TestShuntRejectsConflictThatDoesNotMatch(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(9, 0), 1)
	f.place("c", at(10, 30), 1.5)
	f.job("b", 2)

	// b at 09:30 hits a first, not c.
	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(9, 30), ConflictingJobID: "c"}
	for _, dir := range []scheduling.ShuntDirection{scheduling.ShuntRight, scheduling.ShuntLeft} {
		_, err := f.resolver.ResolveByShunting(f.ctx, details, dir)
		if !errors.Is(err, scheduling.ErrStaleQueue) {
			t.Fatalf("%s: expected ErrStaleQueue, got %v", dir, err)
		}
		if errors.Is(err, scheduling.ErrInvariantViolation) {
			t.Fatalf("%s: user input reported as invariant violation: %v", dir, err)
		}
	}
	assertSegments(t, f.segments("a"), seg(9, 0, 10, 0))
	assertSegments(t, f.segments("c"), seg(10, 30, 12, 0))
}

func TestShuntWithoutRealConflictMovesNothing(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(9, 0), 1)
	f.place("c", at(14, 0), 1)
	f.job("b", 1)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(11, 0), ConflictingJobID: "c"}
	res, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntRight)
	if err != nil {
		t.Fatalf("shunt: %v", err)
	}
	if len(res.Moved) != 0 {
		t.Fatalf("free slot moved jobs: %+v", res.Moved)
	}
	assertSegments(t, f.segments("b"), seg(11, 0, 12, 0))
	assertSegments(t, f.segments("c"), seg(14, 0, 15, 0))
	f.assertNoOverlaps()
}

func TestShuntRightNeverPullsJobsEarlier(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(10, 0), 2)
	f.place("c", at(13, 0), 1)
	f.job("b", 2)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(8, 30), ConflictingJobID: "a"}
	res, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntRight)
	if err != nil {
		t.Fatalf("shunt: %v", err)
	}
	if len(res.Moved) != 1 || res.Moved[0].JobID != "a" {
		t.Fatalf("expected only a to move, got %+v", res.Moved)
	}
	assertSegments(t, f.segments("b"), seg(8, 30, 10, 30))
	assertSegments(t, f.segments("a"), seg(10, 30, 12, 30))
	assertSegments(t, f.segments("c"), seg(13, 0, 14, 0))
	f.assertNoOverlaps()
}

func TestShuntLeftLeavesJobsWithRoomInPlace(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(7, 0), 1)
	f.place("c", at(9, 0), 2)
	f.job("b", 2)

	details := scheduling.ConflictDetails{JobID: "b", MachineID: machineID, ProposedStart: at(10, 0), ConflictingJobID: "c"}
	res, err := f.resolver.ResolveByShunting(f.ctx, details, scheduling.ShuntLeft)
	if err != nil {
		t.Fatalf("shunt: %v", err)
	}
	if len(res.Moved) != 1 || res.Moved[0].JobID != "c" {
		t.Fatalf("expected only c to move, got %+v", res.Moved)
	}
	assertSegments(t, f.segments("c"), seg(8, 0, 10, 0))
	assertSegments(t, f.segments("a"), seg(7, 0, 8, 0))
	assertSegments(t, f.segments("b"), seg(10, 0, 12, 0))
	f.assertNoOverlaps()
}
