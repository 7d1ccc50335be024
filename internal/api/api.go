/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/availability"
	"github.com/friendsincode/foreman/internal/lock"
	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/queue"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/timeline"
)

// Store is the persistence the handlers read and create records through.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	SaveJob(ctx context.Context, j *models.Job) error
	GetMachine(ctx context.Context, machineID string) (*models.Machine, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	SaveMachine(ctx context.Context, m *models.Machine) error
}

// API exposes HTTP handlers.
type API struct {
	store        Store
	queue        *queue.Manager
	resolver     *scheduling.Resolver
	availability *availability.Store
	validator    *scheduling.Validator
	logger       zerolog.Logger
}

// New creates the API router wrapper.
func New(store Store, q *queue.Manager, resolver *scheduling.Resolver, avail *availability.Store, validator *scheduling.Validator, logger zerolog.Logger) *API {
	return &API{
		store:        store,
		queue:        q,
		resolver:     resolver,
		availability: avail,
		validator:    validator,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers API routes.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.handleJobsCreate)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", a.handleJobsGet)
				r.Post("/schedule", a.handleJobSchedule)
				r.Delete("/schedule", a.handleJobUnschedule)
				r.Post("/shunt", a.handleJobShunt)
			})
		})

		r.Route("/machines", func(r chi.Router) {
			r.Get("/", a.handleMachinesList)
			r.Post("/", a.handleMachinesCreate)
			r.Route("/{machineID}", func(r chi.Router) {
				r.Get("/", a.handleMachinesGet)
				r.Get("/audit", a.handleMachineAudit)

				r.Route("/queue", func(r chi.Router) {
					r.Get("/", a.handleQueueGet)
					r.Post("/append", a.handleQueueAppend)
					r.Post("/insert", a.handleQueueInsert)
					r.Post("/reorder", a.handleQueueReorder)
					r.Post("/recalculate", a.handleQueueRecalculate)
					r.Delete("/{jobID}", a.handleQueueRemove)
				})

				r.Route("/availability/{date}", func(r chi.Router) {
					r.Get("/", a.handleAvailabilityGet)
					r.Put("/", a.handleAvailabilityPut)
					r.Post("/toggle/{hour}", a.handleAvailabilityToggle)
				})
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// segmentJSON is one occupied interval on the wire.
type segmentJSON struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration float64   `json:"duration"`
}

func segmentsJSON(segs []timeline.Segment) []segmentJSON {
	out := make([]segmentJSON, len(segs))
	for i, s := range segs {
		out[i] = segmentJSON{Start: s.Start.UTC(), End: s.End.UTC(), Duration: s.Hours()}
	}
	return out
}

type placementJSON struct {
	JobID     string        `json:"job_id"`
	MachineID string        `json:"machine_id"`
	Direction string        `json:"direction"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	WasSplit  bool          `json:"was_split"`
	Segments  []segmentJSON `json:"segments"`
}

func placementsJSON(ps []scheduling.Placement) []placementJSON {
	out := make([]placementJSON, len(ps))
	for i, p := range ps {
		out[i] = placementJSON{
			JobID:     p.JobID,
			MachineID: p.MachineID,
			Direction: string(p.Direction),
			Start:     p.Start().UTC(),
			End:       p.End().UTC(),
			WasSplit:  p.WasSplit(),
			Segments:  segmentsJSON(p.Segments),
		}
	}
	return out
}

type conflictJSON struct {
	JobID               string        `json:"job_id"`
	MachineID           string        `json:"machine_id"`
	ConflictingJobID    string        `json:"conflicting_job_id"`
	ConflictingJobName  string        `json:"conflicting_job_name,omitempty"`
	ProposedStart       time.Time     `json:"proposed_start"`
	ProposedEnd         time.Time     `json:"proposed_end"`
	ProposedSegments    []segmentJSON `json:"proposed_segments"`
	ConflictingSegments []segmentJSON `json:"conflicting_segments"`
}

// writeResult answers 200 with the placement or 409 with the conflict.
func writeResult(w http.ResponseWriter, res scheduling.Result) {
	if c := res.Conflict; c != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "conflict",
			"conflict": conflictJSON{
				JobID:               c.JobID,
				MachineID:           c.MachineID,
				ConflictingJobID:    c.ConflictingJobID,
				ConflictingJobName:  c.ConflictingJobName,
				ProposedStart:       c.ProposedStart().UTC(),
				ProposedEnd:         c.ProposedEnd().UTC(),
				ProposedSegments:    segmentsJSON(c.ProposedSegments),
				ConflictingSegments: segmentsJSON(c.ConflictingSegments),
			},
		})
		return
	}
	writeJSON(w, http.StatusOK, placementsJSON([]scheduling.Placement{*res.Placement})[0])
}

// writeServiceError maps domain errors onto status codes.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var windowErr *availability.WindowConflictError
	switch {
	case errors.As(err, &windowErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "window_overlaps_job",
			"job_id": windowErr.JobID,
			"hour":   windowErr.Hour,
		})
	case errors.Is(err, scheduling.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job_not_found")
	case errors.Is(err, scheduling.ErrMachineNotFound):
		writeError(w, http.StatusNotFound, "machine_not_found")
	case errors.Is(err, scheduling.ErrNoSlotAvailable):
		writeError(w, http.StatusUnprocessableEntity, "no_slot_available")
	case errors.Is(err, scheduling.ErrInvalidDuration):
		writeError(w, http.StatusUnprocessableEntity, "invalid_duration")
	case errors.Is(err, scheduling.ErrShuntInfeasible):
		writeError(w, http.StatusConflict, "shunt_infeasible")
	case errors.Is(err, scheduling.ErrStaleQueue):
		writeError(w, http.StatusConflict, "stale_queue")
	case errors.Is(err, availability.ErrInvalidHour):
		writeError(w, http.StatusBadRequest, "invalid_hour")
	case errors.Is(err, availability.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "invalid_date")
	case errors.Is(err, lock.ErrLockTimeout):
		writeError(w, http.StatusLocked, "machine_locked")
	case errors.Is(err, scheduling.ErrInvariantViolation):
		writeError(w, http.StatusInternalServerError, "invariant_violation")
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
