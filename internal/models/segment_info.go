/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/friendsincode/foreman/internal/timeline"
)

// SegmentRecord is one occupied interval as stored on the job record.
type SegmentRecord struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration float64   `json:"duration"` // hours
}

// SegmentInfo is the persisted description of where a job runs.
// Wire shape: {totalSegments, segments[{start,end,duration}], originalDuration, wasSplit}.
type SegmentInfo struct {
	TotalSegments    int             `json:"totalSegments"`
	Segments         []SegmentRecord `json:"segments"`
	OriginalDuration float64         `json:"originalDuration"` // hours
	WasSplit         bool            `json:"wasSplit"`

	// Valid is false when the column is NULL or could not be decoded.
	Valid bool `json:"-"`
	// Corrupt is set when the column held something that is not segment JSON.
	Corrupt bool `json:"-"`
}

// NewSegmentInfo builds segment metadata for a placement.
func NewSegmentInfo(segs []timeline.Segment, original time.Duration) SegmentInfo {
	records := make([]SegmentRecord, len(segs))
	for i, s := range segs {
		records[i] = SegmentRecord{
			Start:    s.Start.UTC(),
			End:      s.End.UTC(),
			Duration: s.Hours(),
		}
	}
	return SegmentInfo{
		TotalSegments:    len(records),
		Segments:         records,
		OriginalDuration: original.Hours(),
		WasSplit:         len(records) > 1,
		Valid:            true,
	}
}

// Timeline converts the stored records back to segments.
func (s SegmentInfo) Timeline() []timeline.Segment {
	if !s.Valid {
		return nil
	}
	out := make([]timeline.Segment, 0, len(s.Segments))
	for _, r := range s.Segments {
		out = append(out, timeline.Segment{Start: r.Start, End: r.End})
	}
	return out
}

// Usable reports whether the metadata can be trusted as the job's occupancy.
func (s SegmentInfo) Usable() bool {
	if !s.Valid || s.Corrupt || len(s.Segments) == 0 {
		return false
	}
	if s.TotalSegments != 0 && s.TotalSegments != len(s.Segments) {
		return false
	}
	return timeline.Ordered(s.Timeline())
}

// Value implements driver.Valuer.
func (s SegmentInfo) Value() (driver.Value, error) {
	if !s.Valid {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode segment metadata: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner. Undecodable content is flagged Corrupt
// instead of failing the whole row, so callers can fall back.
func (s *SegmentInfo) Scan(src any) error {
	*s = SegmentInfo{}

	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		s.Corrupt = true
		return nil
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var decoded SegmentInfo
	if err := json.Unmarshal(data, &decoded); err != nil {
		s.Corrupt = true
		return nil
	}
	*s = decoded
	s.Valid = true
	return nil
}

// MarshalJSON writes null for absent metadata.
func (s SegmentInfo) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte("null"), nil
	}
	type wire SegmentInfo
	return json.Marshal(wire(s))
}

// UnmarshalJSON accepts null as absent metadata.
func (s *SegmentInfo) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = SegmentInfo{}
		return nil
	}
	type wire SegmentInfo
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = SegmentInfo(w)
	s.Valid = true
	return nil
}
