/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"sort"
	"time"
)

// DateLayout is the calendar date format used for availability records.
const DateLayout = "2006-01-02"

// Machine is a resource jobs are scheduled on.
type Machine struct {
	ID        string `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name      string `gorm:"type:varchar(255)" json:"name"`
	Timezone  string `gorm:"type:varchar(64)" json:"timezone,omitempty"`
	Active    bool   `gorm:"not null" json:"active"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (Machine) TableName() string {
	return "machines"
}

// Location resolves the machine's timezone, falling back to def.
func (m Machine) Location(def *time.Location) *time.Location {
	if m.Timezone != "" {
		if loc, err := time.LoadLocation(m.Timezone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.UTC
	}
	return def
}

// MachineAvailability marks the hours of one calendar date during which a
// machine cannot be used.
type MachineAvailability struct {
	ID               string `gorm:"type:varchar(64);primaryKey" json:"id"`
	MachineID        string `gorm:"type:varchar(64);not null;uniqueIndex:idx_machine_availability_day" json:"machine_id"`
	Date             string `gorm:"type:varchar(10);not null;uniqueIndex:idx_machine_availability_day" json:"date"` // YYYY-MM-DD
	UnavailableHours []int  `gorm:"type:text;serializer:json" json:"unavailable_hours"`
	Note             string `gorm:"type:text" json:"note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (MachineAvailability) TableName() string {
	return "machine_availability"
}

// NormalizeHours sorts, dedupes and drops out-of-range hour markers.
func NormalizeHours(hours []int) []int {
	seen := make(map[int]struct{}, len(hours))
	out := make([]int, 0, len(hours))
	for _, h := range hours {
		if h < 0 || h > 23 {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}
