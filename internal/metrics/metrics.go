package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GenerationLatency tracks generation collaborator calls (seconds).
	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agilelab_generation_duration_seconds",
			Help:    "Generation call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		},
		[]string{"stage", "status"},
	)

	// GenerationCount counts generation calls by outcome.
	GenerationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agilelab_generation_total",
			Help: "Total number of generation calls",
		},
		[]string{"stage", "status"}, // status: success, failed, missing_key
	)

	// AutosaveWrites counts debounced and forced snapshot writes.
	AutosaveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agilelab_autosave_writes_total",
			Help: "Total number of project snapshot writes",
		},
		[]string{"status"}, // status: success, failed
	)

	// SprintClosures counts closed sprints.
	SprintClosures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agilelab_sprint_closures_total",
		Help: "Total number of closed sprints",
	})

	// TaskDeleteFailures counts best-effort task deletes that failed.
	TaskDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agilelab_task_delete_failures_total",
		Help: "Task deletes that failed during sprint closure",
	})

	// TasksGenerated counts tasks created from generated breakdowns.
	TasksGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agilelab_tasks_generated_total",
		Help: "Total number of tasks created from generated breakdowns",
	})

	// TaskEventsDropped counts task events not delivered to a full subscriber.
	TaskEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agilelab_task_events_dropped_total",
		Help: "Task change events dropped because a subscriber fell behind",
	})

	// OpenSessions is the number of projects currently open.
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agilelab_open_sessions",
		Help: "Number of open project sessions",
	})
)

// RecordGeneration records one generation call.
func RecordGeneration(stage, status string, duration time.Duration) {
	GenerationCount.WithLabelValues(stage, status).Inc()
	GenerationLatency.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// RecordAutosave records one snapshot write.
func RecordAutosave(err error) {
	if err != nil {
		AutosaveWrites.WithLabelValues("failed").Inc()
		return
	}
	AutosaveWrites.WithLabelValues("success").Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
