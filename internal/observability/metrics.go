package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nemt_scheduler", Name: "assignments_total", Help: "Trips successfully assigned to a driver"})
	NoDriverTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nemt_scheduler", Name: "no_driver_total", Help: "Trips that could not be assigned because no driver was available"})
	AssignFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nemt_scheduler", Name: "assignment_failures_total", Help: "Assignments that failed to persist"})
	BatchRunsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nemt_scheduler", Name: "batch_runs_total", Help: "Auto-schedule batch runs executed"})
	BatchRunSkipped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nemt_scheduler", Name: "batch_runs_skipped_total", Help: "Batch triggers dropped because a run was already in flight"})
	BatchDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "nemt_scheduler", Name: "batch_duration_seconds", Help: "Auto-schedule batch latency", Buckets: prometheus.DefBuckets})
	UndosTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nemt_scheduler", Name: "undos_total", Help: "Batch undo operations that succeeded"})
	TripsReverted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nemt_scheduler", Name: "trips_reverted_total", Help: "Trips reverted by batch undo"})
	DriversActive    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "nemt_scheduler", Name: "drivers_active", Help: "Active drivers seen on the last roster refresh"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "nemt_scheduler", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nemt_scheduler",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
