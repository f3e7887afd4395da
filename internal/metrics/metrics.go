package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Playback metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_runs_total",
			Help: "Room runs by outcome",
		},
		[]string{"result"}, // started, resumed, walked, failed, skipped, canceled
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_dispatches_total",
			Help: "Scenario message deliveries",
		},
		[]string{"mode", "result"}, // mode: sync|timer, result: sent|failed
	)

	DispatchLateness = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomcast_dispatch_lateness_seconds",
			Help:    "Delay between an event's fire time and its delivery attempt",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"mode"},
	)

	PagesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcast_scenario_pages_skipped_total",
			Help: "Scenario pages skipped after a fetch failure",
		},
	)

	// Job metrics
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_jobs_total",
			Help: "Durable job state transitions",
		},
		[]string{"state"}, // enqueued, started, succeeded, failed, canceled
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcast_task_retries_total",
			Help: "Task attempts retried by the engine",
		},
	)

	TasksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_tasks_dropped_total",
			Help: "Tasks the engine dropped or skipped",
		},
		[]string{"reason"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomcast_task_duration_seconds",
			Help:    "Task execution time including retries",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomcast_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)
)

// RegisterGaugeFunc exposes fn as a gauge. Registering the same name twice
// keeps the first registration.
func RegisterGaugeFunc(name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
