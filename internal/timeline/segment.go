/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timeline holds the interval model used by the machine scheduler:
// occupied segments, unavailable windows and the splitter that places a
// duration around those windows.
package timeline

import (
	"sort"
	"time"
)

// Quarter is the alignment step for every computed boundary.
const Quarter = 15 * time.Minute

// Segment is a half-open interval [Start, End) occupied by a job.
type Segment struct {
	Start time.Time
	End   time.Time
}

// NewSegment builds a segment from a start and a duration.
func NewSegment(start time.Time, d time.Duration) Segment {
	return Segment{Start: start, End: start.Add(d)}
}

// Duration returns the segment length.
func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Hours returns the segment length in fractional hours.
func (s Segment) Hours() float64 {
	return s.Duration().Hours()
}

// Overlaps reports whether two half-open intervals intersect.
func (s Segment) Overlaps(o Segment) bool {
	return s.Start.Before(o.End) && s.End.After(o.Start)
}

// Contains reports whether t lies inside [Start, End).
func (s Segment) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Window is a span of time during which a machine cannot run.
type Window = Segment

// TotalDuration sums the length of all segments.
func TotalDuration(segs []Segment) time.Duration {
	var total time.Duration
	for _, s := range segs {
		total += s.Duration()
	}
	return total
}

// Bounds returns the first start and the last end of an ordered segment list.
func Bounds(segs []Segment) (time.Time, time.Time) {
	if len(segs) == 0 {
		return time.Time{}, time.Time{}
	}
	return segs[0].Start, segs[len(segs)-1].End
}

// AnyOverlap reports whether any segment of a intersects any segment of b.
func AnyOverlap(a, b []Segment) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return true
			}
		}
	}
	return false
}

// Ordered reports whether segments are chronological and pairwise disjoint.
func Ordered(segs []Segment) bool {
	for i := range segs {
		if !segs[i].End.After(segs[i].Start) {
			return false
		}
		if i > 0 && segs[i].Start.Before(segs[i-1].End) {
			return false
		}
	}
	return true
}

// NormalizeWindows sorts windows and merges the ones that touch or overlap.
func NormalizeWindows(windows []Window) []Window {
	if len(windows) == 0 {
		return nil
	}
	out := make([]Window, 0, len(windows))
	for _, w := range windows {
		if w.End.After(w.Start) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})

	merged := out[:0]
	for _, w := range out {
		if n := len(merged); n > 0 && !w.Start.After(merged[n-1].End) {
			if w.End.After(merged[n-1].End) {
				merged[n-1].End = w.End
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged
}

// Intersects reports whether [start, end) touches any window.
func Intersects(start, end time.Time, windows []Window) bool {
	probe := Segment{Start: start, End: end}
	for _, w := range windows {
		if probe.Overlaps(w) {
			return true
		}
	}
	return false
}

// HoursToWindows converts hour markers (0..23) on a calendar date into
// one-hour windows in loc. Out-of-range markers are ignored.
func HoursToWindows(date time.Time, hours []int, loc *time.Location) []Window {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	windows := make([]Window, 0, len(hours))
	for _, h := range hours {
		if h < 0 || h > 23 {
			continue
		}
		start := time.Date(y, m, d, h, 0, 0, 0, loc)
		windows = append(windows, Window{Start: start, End: start.Add(time.Hour)})
	}
	return NormalizeWindows(windows)
}

// CeilQuarter rounds t up to the next 15-minute mark. Aligned values are kept.
func CeilQuarter(t time.Time) time.Time {
	floor := t.Truncate(Quarter)
	if floor.Equal(t) {
		return t
	}
	return floor.Add(Quarter)
}

// FloorQuarter rounds t down to the previous 15-minute mark.
func FloorQuarter(t time.Time) time.Time {
	return t.Truncate(Quarter)
}

// HoursToDuration converts fractional hours to a duration rounded to the second.
func HoursToDuration(hours float64) time.Duration {
	return (time.Duration(hours * float64(time.Hour))).Round(time.Second)
}
