/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foreman_api_request_duration_seconds",
		Help:    "HTTP request latency by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_api_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_api_active_connections",
		Help: "In-flight HTTP requests.",
	})
)

// Scheduling metrics
var (
	PlacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_schedule_placements_total",
		Help: "Placement attempts by direction and outcome (placed, conflict, no_slot, error).",
	}, []string{"direction", "result"})

	SchedulingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foreman_schedule_operation_duration_seconds",
		Help:    "Duration of scheduling operations including persistence.",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"operation"})

	SplitAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_split_anomalies_total",
		Help: "Splits that hit the segment cap or scheduling horizon.",
	}, []string{"kind"})

	SegmentIntegrityTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_segment_integrity_total",
		Help: "Jobs whose stored segment metadata could not be trusted.",
	}, []string{"kind"})

	ShuntsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_shunts_total",
		Help: "Shunt requests by direction and outcome.",
	}, []string{"direction", "result"})

	InvariantViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_invariant_violations_total",
		Help: "Cascades aborted because a recalculated job still conflicted.",
	}, []string{"operation"})

	IntegrityFindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_integrity_findings_total",
		Help: "Timeline audit findings by violation type.",
	}, []string{"type"})

	IntegrityScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_integrity_scans_total",
		Help: "Periodic timeline audits by outcome.",
	}, []string{"result"})

	QueueOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_queue_operations_total",
		Help: "Queue operations by kind and outcome.",
	}, []string{"operation", "result"})

	QueueLockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foreman_queue_lock_wait_seconds",
		Help:    "Time spent waiting for a machine lock.",
		Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30},
	}, []string{"backend"})

	LockTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_lock_timeouts_total",
		Help: "Machine lock acquisitions that timed out.",
	}, []string{"backend"})
)

// Availability metrics
var (
	AvailabilityLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_availability_lookups_total",
		Help: "Availability lookups by cache layer and result (hit, miss).",
	}, []string{"layer", "result"})

	AvailabilityInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_availability_invalidations_total",
		Help: "Availability cache invalidations.",
	})
)

// Database metrics
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foreman_database_query_duration_seconds",
		Help:    "Database operation latency by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_database_errors_total",
		Help: "Database errors by operation.",
	}, []string{"operation", "table"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_database_connections_active",
		Help: "Open database connections.",
	})
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
