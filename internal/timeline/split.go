/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timeline

import "time"

// DefaultMaxSegments caps the number of segments a single split may produce.
const DefaultMaxSegments = 100

// SplitOptions tunes a split.
type SplitOptions struct {
	// MaxSegments caps the output. Zero means DefaultMaxSegments.
	MaxSegments int
	// Horizon bounds the walk: forward splits never place time at or after it,
	// backward splits never place time before it. Zero means unbounded.
	Horizon time.Time
}

// Split is the outcome of splitting a duration around unavailable windows.
type Split struct {
	Segments []Segment
	// Remaining is the part of the duration that could not be placed.
	Remaining time.Duration
	// Truncated is set when the segment cap stopped the walk.
	Truncated bool
}

// Complete reports whether the whole duration was placed.
func (s Split) Complete() bool {
	return len(s.Segments) > 0 && s.Remaining <= 0
}

// WasSplit reports whether the placement spans more than one segment.
func (s Split) WasSplit() bool {
	return len(s.Segments) > 1
}

func (o SplitOptions) maxSegments() int {
	if o.MaxSegments <= 0 {
		return DefaultMaxSegments
	}
	return o.MaxSegments
}

// SplitForward places d starting at start, skipping every unavailable window.
func SplitForward(start time.Time, d time.Duration, windows []Window, opts SplitOptions) Split {
	windows = NormalizeWindows(windows)
	limit := opts.maxSegments()
	result := Split{Remaining: d}
	if d <= 0 {
		return result
	}

	pos := skipForward(start, windows)
	for result.Remaining > 0 {
		if len(result.Segments) >= limit {
			result.Truncated = true
			break
		}
		if !opts.Horizon.IsZero() && !pos.Before(opts.Horizon) {
			break
		}

		next, ok := nextWindow(pos, windows)
		room := result.Remaining
		if ok {
			if avail := next.Start.Sub(pos); avail < room {
				room = avail
			}
		}
		if !opts.Horizon.IsZero() {
			if avail := opts.Horizon.Sub(pos); avail < room {
				room = avail
			}
		}

		if room > 0 {
			result.Segments = append(result.Segments, NewSegment(pos, room))
			result.Remaining -= room
			pos = pos.Add(room)
		}
		if result.Remaining > 0 {
			if !ok {
				// Only the horizon can stop us here.
				break
			}
			pos = skipForward(next.End, windows)
		}
	}
	return result
}

// SplitBackward places d so that it ends at end, walking back over windows.
// Segments are returned in chronological order.
func SplitBackward(end time.Time, d time.Duration, windows []Window, opts SplitOptions) Split {
	windows = NormalizeWindows(windows)
	limit := opts.maxSegments()
	result := Split{Remaining: d}
	if d <= 0 {
		return result
	}

	pos := skipBackward(end, windows)
	var reversed []Segment
	for result.Remaining > 0 {
		if len(reversed) >= limit {
			result.Truncated = true
			break
		}
		if !opts.Horizon.IsZero() && !pos.After(opts.Horizon) {
			break
		}

		prev, ok := prevWindow(pos, windows)
		room := result.Remaining
		if ok {
			if avail := pos.Sub(prev.End); avail < room {
				room = avail
			}
		}
		if !opts.Horizon.IsZero() {
			if avail := pos.Sub(opts.Horizon); avail < room {
				room = avail
			}
		}

		if room > 0 {
			reversed = append(reversed, Segment{Start: pos.Add(-room), End: pos})
			result.Remaining -= room
			pos = pos.Add(-room)
		}
		if result.Remaining > 0 {
			if !ok {
				break
			}
			pos = skipBackward(prev.Start, windows)
		}
	}

	result.Segments = make([]Segment, len(reversed))
	for i, s := range reversed {
		result.Segments[len(reversed)-1-i] = s
	}
	return result
}

// skipForward moves t past any window containing it.
func skipForward(t time.Time, windows []Window) time.Time {
	for moved := true; moved; {
		moved = false
		for _, w := range windows {
			if w.Contains(t) {
				t = w.End
				moved = true
			}
		}
	}
	return t
}

// skipBackward moves an end boundary t before any window with Start < t <= End.
func skipBackward(t time.Time, windows []Window) time.Time {
	for moved := true; moved; {
		moved = false
		for _, w := range windows {
			if w.Start.Before(t) && !t.After(w.End) {
				t = w.Start
				moved = true
			}
		}
	}
	return t
}

// nextWindow returns the earliest window starting at or after t.
func nextWindow(t time.Time, windows []Window) (Window, bool) {
	for _, w := range windows {
		if !w.Start.Before(t) {
			return w, true
		}
	}
	return Window{}, false
}

// prevWindow returns the latest window ending at or before t.
func prevWindow(t time.Time, windows []Window) (Window, bool) {
	for i := len(windows) - 1; i >= 0; i-- {
		if !windows[i].End.After(t) {
			return windows[i], true
		}
	}
	return Window{}, false
}
