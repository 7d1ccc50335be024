/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/queue"
	"github.com/friendsincode/foreman/internal/scheduling"
)

type machineCreateRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

type queueJobRequest struct {
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
}

type queueReorderRequest struct {
	JobID    string `json:"job_id"`
	OldIndex int    `json:"old_index"`
	NewIndex int    `json:"new_index"`
}

type queueRecalculateRequest struct {
	From int `json:"from"`
}

type availabilityRequest struct {
	UnavailableHours []int  `json:"unavailable_hours"`
	Note             string `json:"note"`
}

type queueEntryJSON struct {
	Position int           `json:"position"`
	JobID    string        `json:"job_id"`
	Name     string        `json:"name"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Segments []segmentJSON `json:"segments"`
}

func (a *API) handleMachinesList(w http.ResponseWriter, r *http.Request) {
	machines, err := a.store.ListMachines(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

func (a *API) handleMachinesCreate(w http.ResponseWriter, r *http.Request) {
	var req machineCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_timezone")
			return
		}
	}

	machine := &models.Machine{ID: req.ID, Name: req.Name, Timezone: req.Timezone, Active: true}
	if machine.ID == "" {
		machine.ID = uuid.NewString()
	}
	if err := a.store.SaveMachine(r.Context(), machine); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.availability.InvalidateMachine(r.Context(), machine.ID)
	writeJSON(w, http.StatusCreated, machine)
}

func (a *API) handleMachinesGet(w http.ResponseWriter, r *http.Request) {
	machine, err := a.store.GetMachine(r.Context(), chi.URLParam(r, "machineID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, machine)
}

func (a *API) handleMachineAudit(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")
	if _, err := a.store.GetMachine(r.Context(), machineID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	from := time.Now().UTC().Add(-24 * time.Hour)
	to := from.Add(8 * 24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to")
			return
		}
		to = t
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "invalid_range")
		return
	}

	result, err := a.validator.Validate(r.Context(), machineID, from, to)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	entries, err := a.queue.Queue(r.Context(), chi.URLParam(r, "machineID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queueJSON(entries)})
}

func (a *API) handleQueueAppend(w http.ResponseWriter, r *http.Request) {
	var req queueJobRequest
	if err := decodeJSON(r, &req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id_required")
		return
	}
	res, err := a.queue.ScheduleAtEndOfQueue(r.Context(), chi.URLParam(r, "machineID"), req.JobID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (a *API) handleQueueInsert(w http.ResponseWriter, r *http.Request) {
	var req queueJobRequest
	if err := decodeJSON(r, &req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id_required")
		return
	}
	placed, err := a.queue.InsertAtPosition(r.Context(), chi.URLParam(r, "machineID"), req.JobID, req.Position)
	a.writePlacements(w, r, placed, err)
}

func (a *API) handleQueueReorder(w http.ResponseWriter, r *http.Request) {
	var req queueReorderRequest
	if err := decodeJSON(r, &req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id_required")
		return
	}
	placed, err := a.queue.Reorder(r.Context(), chi.URLParam(r, "machineID"), req.JobID, req.OldIndex, req.NewIndex)
	a.writePlacements(w, r, placed, err)
}

func (a *API) handleQueueRecalculate(w http.ResponseWriter, r *http.Request) {
	var req queueRecalculateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	placed, err := a.queue.RecalculateFrom(r.Context(), chi.URLParam(r, "machineID"), req.From)
	a.writePlacements(w, r, placed, err)
}

func (a *API) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	placed, err := a.queue.Remove(r.Context(), chi.URLParam(r, "machineID"), chi.URLParam(r, "jobID"))
	a.writePlacements(w, r, placed, err)
}

func (a *API) writePlacements(w http.ResponseWriter, r *http.Request, placed []scheduling.Placement, err error) {
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"placements": placementsJSON(placed)})
}

func (a *API) handleAvailabilityGet(w http.ResponseWriter, r *http.Request) {
	machineID, date := chi.URLParam(r, "machineID"), chi.URLParam(r, "date")
	hours, err := a.availability.UnavailableHours(r.Context(), machineID, date)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if hours == nil {
		hours = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id":        machineID,
		"date":              date,
		"unavailable_hours": hours,
	})
}

func (a *API) handleAvailabilityPut(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	rec, err := a.availability.SetUnavailableHours(r.Context(), chi.URLParam(r, "machineID"), chi.URLParam(r, "date"), req.UnavailableHours, req.Note)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleAvailabilityToggle(w http.ResponseWriter, r *http.Request) {
	hour, err := strconv.Atoi(chi.URLParam(r, "hour"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_hour")
		return
	}
	rec, err := a.availability.ToggleHour(r.Context(), chi.URLParam(r, "machineID"), chi.URLParam(r, "date"), hour)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func queueJSON(entries []queue.Entry) []queueEntryJSON {
	out := make([]queueEntryJSON, len(entries))
	for i, e := range entries {
		out[i] = queueEntryJSON{
			Position: e.Position,
			JobID:    e.Job.ID,
			Name:     e.Job.Name,
			Start:    e.Start().UTC(),
			End:      e.End().UTC(),
			Segments: segmentsJSON(e.Segments),
		}
	}
	return out
}
