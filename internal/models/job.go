/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"

	"github.com/friendsincode/foreman/internal/timeline"
)

// JobStatus is the scheduling state of a job.
type JobStatus string

const (
	JobScheduled    JobStatus = "SCHEDULED"
	JobNotScheduled JobStatus = "NOT SCHEDULED"
)

// Job is a schedulable unit of work (a production order step).
type Job struct {
	ID             string  `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name           string  `gorm:"type:varchar(255)" json:"name"`
	DurationHours  float64 `gorm:"not null" json:"duration_hours"`
	CompletedHours float64 `gorm:"not null;default:0" json:"completed_hours"`

	ScheduledMachineID *string    `gorm:"type:varchar(64);index" json:"scheduled_machine_id,omitempty"`
	ScheduledStartTime *time.Time `gorm:"index" json:"scheduled_start_time,omitempty"`
	ScheduledEndTime   *time.Time `json:"scheduled_end_time,omitempty"`
	Status             JobStatus  `gorm:"type:varchar(16);not null;default:'NOT SCHEDULED';index" json:"status"`

	SegmentInfo SegmentInfo `gorm:"column:segment_metadata;type:text" json:"segment_metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Job) TableName() string {
	return "jobs"
}

// RemainingHours is the work left: total minus completed. A finished job has
// none left and is rejected by the engine as an invalid duration.
func (j Job) RemainingHours() float64 {
	if j.CompletedHours > 0 {
		return max(j.DurationHours-j.CompletedHours, 0)
	}
	return j.DurationHours
}

// RemainingDuration is RemainingHours as a duration.
func (j Job) RemainingDuration() time.Duration {
	return timeline.HoursToDuration(j.RemainingHours())
}

// ScheduledDuration is the time the job occupies on its machine.
func (j Job) ScheduledDuration() time.Duration {
	if j.SegmentInfo.Usable() {
		return timeline.TotalDuration(j.SegmentInfo.Timeline())
	}
	return j.RemainingDuration()
}

// IsScheduled reports whether the job holds a slot on a machine.
func (j Job) IsScheduled() bool {
	return j.Status == JobScheduled && j.ScheduledMachineID != nil
}

// MachineID returns the assigned machine or "".
func (j Job) MachineID() string {
	if j.ScheduledMachineID == nil {
		return ""
	}
	return *j.ScheduledMachineID
}

// JobUpdate is one logical write of a job's scheduling fields.
type JobUpdate struct {
	JobID     string
	MachineID *string
	StartTime *time.Time
	EndTime   *time.Time
	Status    JobStatus
	Segments  SegmentInfo
}

// ScheduleUpdate describes a successful placement.
func ScheduleUpdate(jobID, machineID string, segs []timeline.Segment, original time.Duration) JobUpdate {
	start, end := timeline.Bounds(segs)
	start, end = start.UTC(), end.UTC()
	return JobUpdate{
		JobID:     jobID,
		MachineID: &machineID,
		StartTime: &start,
		EndTime:   &end,
		Status:    JobScheduled,
		Segments:  NewSegmentInfo(segs, original),
	}
}

// UnscheduleUpdate clears machine, times and segments.
func UnscheduleUpdate(jobID string) JobUpdate {
	return JobUpdate{JobID: jobID, Status: JobNotScheduled}
}

// Apply copies the update onto j.
func (u JobUpdate) Apply(j *Job) {
	j.ScheduledMachineID = u.MachineID
	j.ScheduledStartTime = u.StartTime
	j.ScheduledEndTime = u.EndTime
	j.Status = u.Status
	j.SegmentInfo = u.Segments
}

// Columns returns the column map used for persistence.
func (u JobUpdate) Columns() map[string]any {
	return map[string]any{
		"scheduled_machine_id": u.MachineID,
		"scheduled_start_time": u.StartTime,
		"scheduled_end_time":   u.EndTime,
		"status":               u.Status,
		"segment_metadata":     u.Segments,
	}
}
