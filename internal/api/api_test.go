/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/availability"
	"github.com/friendsincode/foreman/internal/lock"
	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/queue"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/store"
)

type testServer struct {
	t      *testing.T
	router chi.Router
	store  *store.Memory
	locker *lock.Memory
}

func newTestServer(t *testing.T, cfg scheduling.Config) *testServer {
	t.Helper()
	mem := store.NewMemory()
	checker := scheduling.NewChecker(mem, zerolog.Nop())
	locker := lock.NewMemory(50 * time.Millisecond)
	avail := availability.New(mem, nil, checker, nil, locker, availability.Config{}, zerolog.Nop())
	mem.OnAvailabilityWrite(avail.Invalidate)

	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Date(2030, 3, 4, 6, 0, 0, 0, time.UTC) }
	}
	engine := scheduling.NewEngine(mem, avail, nil, cfg, zerolog.Nop())
	a := New(mem,
		queue.NewManager(engine, locker, nil, zerolog.Nop()),
		scheduling.NewResolver(engine, locker, zerolog.Nop()),
		avail,
		scheduling.NewValidator(engine, zerolog.Nop()),
		zerolog.Nop())

	r := chi.NewRouter()
	a.Routes(r)

	if err := mem.SaveMachine(context.Background(), &models.Machine{ID: "m-1", Name: "Mill", Active: true}); err != nil {
		t.Fatalf("save machine: %v", err)
	}
	return &testServer{t: t, router: r, store: mem, locker: locker}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) job(id string, hours float64) {
	s.t.Helper()
	rr := s.do(http.MethodPost, "/api/v1/jobs", map[string]any{"id": id, "name": "Job " + id, "duration_hours": hours})
	if rr.Code != http.StatusCreated {
		s.t.Fatalf("create job %s: %d %s", id, rr.Code, rr.Body.String())
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, scheduling.Config{})
	rr := s.do(http.MethodGet, "/api/v1/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestScheduleConflictAndShunt(t *testing.T) {
	s := newTestServer(t, scheduling.Config{})
	s.job("a", 2)
	s.job("b", 2)

	rr := s.do(http.MethodPost, "/api/v1/jobs/a/schedule", map[string]any{"machine_id": "m-1", "start": "2030-03-04T10:00:00Z"})
	if rr.Code != http.StatusOK {
		t.Fatalf("schedule a: %d %s", rr.Code, rr.Body.String())
	}
	placed := decode[placementJSON](t, rr)
	if placed.WasSplit || len(placed.Segments) != 1 || placed.Segments[0].Duration != 2 {
		t.Fatalf("unexpected placement %+v", placed)
	}

	rr = s.do(http.MethodPost, "/api/v1/jobs/b/schedule", map[string]any{"machine_id": "m-1", "start": "2030-03-04T10:00:00Z"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rr.Code, rr.Body.String())
	}
	conflict := decode[struct {
		Error    string       `json:"error"`
		Conflict conflictJSON `json:"conflict"`
	}](t, rr)
	if conflict.Error != "conflict" || conflict.Conflict.ConflictingJobID != "a" {
		t.Fatalf("unexpected conflict body %+v", conflict)
	}

	rr = s.do(http.MethodPost, "/api/v1/jobs/b/shunt", map[string]any{
		"machine_id":         "m-1",
		"proposed_start":     "2030-03-04T10:00:00Z",
		"direction":          "right",
		"conflicting_job_id": "a",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("shunt: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(http.MethodGet, "/api/v1/machines/m-1/queue", nil)
	q := decode[struct {
		Queue []queueEntryJSON `json:"queue"`
	}](t, rr)
	if len(q.Queue) != 2 || q.Queue[0].JobID != "b" || q.Queue[1].JobID != "a" {
		t.Fatalf("unexpected queue %+v", q.Queue)
	}
	if !q.Queue[1].Start.Equal(time.Date(2030, 3, 4, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected a at 12:00, got %s", q.Queue[1].Start)
	}
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t, scheduling.Config{})
	for _, id := range []string{"a", "b", "c"} {
		s.job(id, 1)
		if rr := s.do(http.MethodPost, "/api/v1/machines/m-1/queue/append", map[string]any{"job_id": id}); rr.Code != http.StatusOK {
			t.Fatalf("append %s: %d %s", id, rr.Code, rr.Body.String())
		}
	}

	rr := s.do(http.MethodPost, "/api/v1/machines/m-1/queue/reorder", map[string]any{"job_id": "c", "old_index": 2, "new_index": 0})
	if rr.Code != http.StatusOK {
		t.Fatalf("reorder: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(http.MethodPost, "/api/v1/machines/m-1/queue/reorder", map[string]any{"job_id": "c", "old_index": 2, "new_index": 0})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected stale reorder to 409, got %d", rr.Code)
	}

	rr = s.do(http.MethodDelete, "/api/v1/machines/m-1/queue/a", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("remove: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(http.MethodPost, "/api/v1/machines/m-1/queue/recalculate", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("recalculate: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(http.MethodGet, "/api/v1/machines/m-1/queue", nil)
	q := decode[struct {
		Queue []queueEntryJSON `json:"queue"`
	}](t, rr)
	if len(q.Queue) != 2 || q.Queue[0].JobID != "c" || q.Queue[1].JobID != "b" {
		t.Fatalf("unexpected queue %+v", q.Queue)
	}
	if !q.Queue[0].End.Equal(q.Queue[1].Start) {
		t.Fatalf("queue not back to back: %+v", q.Queue)
	}
}

func TestAvailabilityEndpoints(t *testing.T) {
	s := newTestServer(t, scheduling.Config{})
	s.job("a", 2)
	if rr := s.do(http.MethodPost, "/api/v1/jobs/a/schedule", map[string]any{"machine_id": "m-1", "start": "2030-03-04T10:00:00Z"}); rr.Code != http.StatusOK {
		t.Fatalf("schedule: %d %s", rr.Code, rr.Body.String())
	}

	rr := s.do(http.MethodPut, "/api/v1/machines/m-1/availability/2030-03-04", map[string]any{"unavailable_hours": []int{8, 11}})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for window over job, got %d %s", rr.Code, rr.Body.String())
	}
	body := decode[map[string]any](t, rr)
	if body["error"] != "window_overlaps_job" || body["job_id"] != "a" {
		t.Fatalf("unexpected body %v", body)
	}

	rr = s.do(http.MethodPost, "/api/v1/machines/m-1/availability/2030-03-04/toggle/8", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("toggle: %d %s", rr.Code, rr.Body.String())
	}
	rr = s.do(http.MethodGet, "/api/v1/machines/m-1/availability/2030-03-04", nil)
	got := decode[struct {
		Hours []int `json:"unavailable_hours"`
	}](t, rr)
	if len(got.Hours) != 1 || got.Hours[0] != 8 {
		t.Fatalf("expected [8], got %v", got.Hours)
	}

	if rr := s.do(http.MethodPost, "/api/v1/machines/m-1/availability/2030-03-04/toggle/25", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for hour 25, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/api/v1/machines/m-1/availability/04-03-2030", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rr.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t, scheduling.Config{MaxSegments: 1})
	s.job("a", 3)
	if _, err := s.store.SaveAvailability(context.Background(), "m-1", "2030-03-04", []int{11}, ""); err != nil {
		t.Fatalf("save availability: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown job", http.MethodPost, "/api/v1/jobs/ghost/schedule", map[string]any{"machine_id": "m-1", "start": "2030-03-04T10:00:00Z"}, http.StatusNotFound, "job_not_found"},
		{"unknown machine", http.MethodPost, "/api/v1/jobs/a/schedule", map[string]any{"machine_id": "ghost", "start": "2030-03-04T10:00:00Z"}, http.StatusNotFound, "machine_not_found"},
		{"no slot", http.MethodPost, "/api/v1/jobs/a/schedule", map[string]any{"machine_id": "m-1", "start": "2030-03-04T10:00:00Z"}, http.StatusUnprocessableEntity, "no_slot_available"},
		{"missing end", http.MethodPost, "/api/v1/jobs/a/schedule", map[string]any{"machine_id": "m-1", "direction": "backward"}, http.StatusBadRequest, "end_required"},
		{"bad shunt direction", http.MethodPost, "/api/v1/jobs/a/shunt", map[string]any{"machine_id": "m-1", "proposed_start": "2030-03-04T10:00:00Z", "direction": "up"}, http.StatusBadRequest, "invalid_direction"},
		{"unknown field", http.MethodPost, "/api/v1/jobs", map[string]any{"name": "x", "duration_hours": 1, "colour": "red"}, http.StatusBadRequest, "invalid_json"},
		{"missing machine", http.MethodGet, "/api/v1/machines/ghost", nil, http.StatusNotFound, "machine_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(tt.method, tt.path, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d %s", tt.status, rr.Code, rr.Body.String())
			}
			if body := decode[map[string]any](t, rr); body["error"] != tt.code {
				t.Fatalf("expected error %q, got %v", tt.code, body)
			}
		})
	}
}

func TestLockedMachineReturns423(t *testing.T) {
	s := newTestServer(t, scheduling.Config{})
	s.job("a", 1)

	release, err := s.locker.Acquire(context.Background(), lock.MachineKey("m-1"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	for _, call := range []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/api/v1/machines/m-1/queue/append", map[string]any{"job_id": "a"}},
		{http.MethodPut, "/api/v1/machines/m-1/availability/2030-03-04", map[string]any{"unavailable_hours": []int{8}}},
		{http.MethodPost, "/api/v1/machines/m-1/availability/2030-03-04/toggle/9", nil},
	} {
		rr := s.do(call.method, call.path, call.body)
		if rr.Code != http.StatusLocked {
			t.Fatalf("%s %s: expected 423, got %d %s", call.method, call.path, rr.Code, rr.Body.String())
		}
	}
}

func TestMachineAudit(t *testing.T) {
	s := newTestServer(t, scheduling.Config{})
	s.job("a", 2)
	if rr := s.do(http.MethodPost, "/api/v1/jobs/a/schedule", map[string]any{"machine_id": "m-1", "start": "2030-03-04T10:00:00Z"}); rr.Code != http.StatusOK {
		t.Fatalf("schedule: %d", rr.Code)
	}

	rr := s.do(http.MethodGet, "/api/v1/machines/m-1/audit?from=2030-03-04T00:00:00Z&to=2030-03-05T00:00:00Z", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("audit: %d %s", rr.Code, rr.Body.String())
	}
	res := decode[scheduling.ValidationResult](t, rr)
	if !res.Valid || res.JobsLoaded != 1 {
		t.Fatalf("unexpected audit %+v", res)
	}

	if rr := s.do(http.MethodGet, "/api/v1/machines/m-1/audit?from=2030-03-05T00:00:00Z&to=2030-03-04T00:00:00Z", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", rr.Code)
	}
}
