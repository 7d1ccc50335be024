/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/timeline"
)

type jobCreateRequest struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DurationHours  float64 `json:"duration_hours"`
	CompletedHours float64 `json:"completed_hours"`
}

type scheduleRequest struct {
	MachineID     string     `json:"machine_id"`
	Start         *time.Time `json:"start"`
	End           *time.Time `json:"end"`
	Direction     string     `json:"direction"`
	DurationHours float64    `json:"duration_hours"`
}

type shuntRequest struct {
	MachineID        string    `json:"machine_id"`
	ProposedStart    time.Time `json:"proposed_start"`
	Direction        string    `json:"direction"`
	ConflictingJobID string    `json:"conflicting_job_id"`
	DurationHours    float64   `json:"duration_hours"`
}

func (a *API) handleJobsCreate(w http.ResponseWriter, r *http.Request) {
	var req jobCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}
	if req.DurationHours <= 0 || req.CompletedHours < 0 || req.CompletedHours > req.DurationHours {
		writeError(w, http.StatusBadRequest, "invalid_duration")
		return
	}

	job := &models.Job{
		ID:             req.ID,
		Name:           req.Name,
		DurationHours:  req.DurationHours,
		CompletedHours: req.CompletedHours,
		Status:         models.JobNotScheduled,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := a.store.SaveJob(r.Context(), job); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) handleJobsGet(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleJobSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id_required")
		return
	}

	sreq := scheduling.Request{
		JobID:     chi.URLParam(r, "jobID"),
		MachineID: req.MachineID,
		Duration:  timeline.HoursToDuration(req.DurationHours),
	}
	dir := scheduling.Direction(req.Direction)
	switch dir {
	case "", scheduling.Forward:
		dir = scheduling.Forward
		if req.Start == nil {
			writeError(w, http.StatusBadRequest, "start_required")
			return
		}
		sreq.Start = *req.Start
	case scheduling.Backward:
		if req.End == nil {
			writeError(w, http.StatusBadRequest, "end_required")
			return
		}
		sreq.End = *req.End
	default:
		writeError(w, http.StatusBadRequest, "invalid_direction")
		return
	}

	res, err := a.queue.Schedule(r.Context(), sreq, dir)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (a *API) handleJobUnschedule(w http.ResponseWriter, r *http.Request) {
	job, err := a.queue.Unschedule(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleJobShunt(w http.ResponseWriter, r *http.Request) {
	var req shuntRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	dir := scheduling.ShuntDirection(req.Direction)
	if !dir.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_direction")
		return
	}
	if req.MachineID == "" || req.ProposedStart.IsZero() {
		writeError(w, http.StatusBadRequest, "missing_required_fields")
		return
	}

	details := scheduling.ConflictDetails{
		JobID:            chi.URLParam(r, "jobID"),
		MachineID:        req.MachineID,
		ProposedStart:    req.ProposedStart,
		ConflictingJobID: req.ConflictingJobID,
		Duration:         timeline.HoursToDuration(req.DurationHours),
	}
	res, err := a.resolver.ResolveByShunting(r.Context(), details, dir)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"direction":  string(res.Direction),
		"dragged":    placementsJSON([]scheduling.Placement{res.Dragged})[0],
		"moved":      placementsJSON(res.Moved),
		"placements": placementsJSON(res.Placements()),
	})
}
