/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/timeline"
)

func TestValidatorCleanTimeline(t *testing.T) {
	f := newFixture(t, scheduling.Config{})
	f.place("a", at(9, 0), 2)
	f.place("b", at(11, 0), 1)
	f.place("outside", at(20, 0), 1)

	v := scheduling.NewValidator(f.engine, zerolog.Nop())
	res, err := v.Validate(f.ctx, machineID, at(8, 0), at(13, 0))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid || len(res.Errors) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("expected clean result, got %+v", res)
	}
	if res.JobsLoaded != 2 {
		t.Fatalf("expected 2 jobs in range, got %d", res.JobsLoaded)
	}
}

func TestValidatorFindsProblems(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  scheduling.ViolationType
		valid bool
	}{
		{
			name: "overlapping jobs",
			setup: func(f *fixture) {
				f.place("a", at(9, 0), 2)
				f.place("b", at(10, 0), 2)
			},
			want: scheduling.ViolationOverlap,
		},
		{
			name: "job inside unavailable window",
			setup: func(f *fixture) {
				f.place("a", at(9, 0), 2)
				f.unavailable(10)
			},
			want: scheduling.ViolationUnavailable,
		},
		{
			name: "stored bounds disagree with segments",
			setup: func(f *fixture) {
				f.job("a", 2)
				segs := []timeline.Segment{seg(9, 0, 11, 0)}
				u := models.ScheduleUpdate("a", machineID, segs, 2*time.Hour)
				end := at(12, 0)
				u.EndTime = &end
				if _, err := f.store.PersistJobUpdate(f.ctx, u); err != nil {
					t.Fatalf("persist: %v", err)
				}
			},
			want:  scheduling.ViolationMisaligned,
			valid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, scheduling.Config{})
			tt.setup(f)

			v := scheduling.NewValidator(f.engine, zerolog.Nop())
			res, err := v.Validate(f.ctx, machineID, at(0, 0), at(23, 0))
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if res.Valid != tt.valid {
				t.Fatalf("expected valid=%v, got %+v", tt.valid, res)
			}
			found := false
			for _, v := range append(res.Errors, res.Warnings...) {
				if v.Type == tt.want {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s violation, got %+v", tt.want, res)
			}
		})
	}
}
