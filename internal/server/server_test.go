/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Environment:        "test",
		DBBackend:          config.DatabaseSQLite,
		DBDSN:              "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		Timezone:           "UTC",
		SchedulerLookahead: 7 * 24 * time.Hour,
		MaxSegments:        100,
		QueueLockTimeout:   time.Second,
		LockBackend:        config.LockMemory,
	}
	srv, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func (s *Server) serve(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, &buf))
	return rr
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rr := srv.serve(t, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["cache"] != false {
		t.Fatalf("unexpected health body %v", body)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers on every route")
	}
}

func TestMetricsMountedOnRouterWithoutDedicatedListener(t *testing.T) {
	srv := newTestServer(t)
	if rr := srv.serve(t, http.MethodGet, "/metrics", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected metrics on main router, got %d", rr.Code)
	}
}

func TestQueueRoundTripThroughDatabase(t *testing.T) {
	srv := newTestServer(t)

	if rr := srv.serve(t, http.MethodPost, "/api/v1/machines", map[string]any{"id": "lathe-1", "name": "Lathe"}); rr.Code != http.StatusCreated {
		t.Fatalf("create machine: %d %s", rr.Code, rr.Body.String())
	}
	for _, id := range []string{"a", "b"} {
		if rr := srv.serve(t, http.MethodPost, "/api/v1/jobs", map[string]any{"id": id, "name": id, "duration_hours": 1.5}); rr.Code != http.StatusCreated {
			t.Fatalf("create job: %d %s", rr.Code, rr.Body.String())
		}
		if rr := srv.serve(t, http.MethodPost, "/api/v1/machines/lathe-1/queue/append", map[string]any{"job_id": id}); rr.Code != http.StatusOK {
			t.Fatalf("append %s: %d %s", id, rr.Code, rr.Body.String())
		}
	}

	rr := srv.serve(t, http.MethodGet, "/api/v1/machines/lathe-1/queue", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("queue: %d %s", rr.Code, rr.Body.String())
	}
	var got struct {
		Queue []struct {
			JobID string    `json:"job_id"`
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"queue"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Queue) != 2 || got.Queue[0].JobID != "a" || got.Queue[1].JobID != "b" {
		t.Fatalf("unexpected queue %+v", got.Queue)
	}
	if got.Queue[1].Start.Before(got.Queue[0].End) {
		t.Fatalf("queued jobs overlap: %+v", got.Queue)
	}
}
