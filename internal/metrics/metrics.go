package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Conversation metrics
var (
	// Transitions counts session state changes.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: "bot",
			Name:      "transitions_total",
			Help:      "Session state transitions",
		},
		[]string{"from", "to"},
	)

	// Rejected counts events refused by the state machine.
	Rejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: "bot",
			Name:      "rejected_events_total",
			Help:      "Events rejected by the conversation state machine",
		},
		[]string{"reason"},
	)

	// Panics counts recovered handler panics.
	Panics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: "bot",
			Name:      "handler_panics_total",
			Help:      "Recovered panics in event handlers",
		},
	)
)

// Job metrics
var (
	// JobsProcessed counts finished jobs by outcome.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converter",
			Name:      "jobs_processed_total",
			Help:      "Finished conversion jobs",
		},
		[]string{"action", "outcome"},
	)

	// ActiveJobs tracks jobs currently running in this process.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "converter",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// StageDuration tracks how long each job stage took.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "converter",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per job stage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage"},
	)

	// BytesIn and BytesOut total source and result sizes.
	BytesIn = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "converter",
			Name:      "source_bytes_total",
			Help:      "Bytes staged from users",
		},
	)
	BytesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "converter",
			Name:      "output_bytes_total",
			Help:      "Bytes delivered back to users",
		},
	)
)

// RecordJob records one finished job.
func RecordJob(action, outcome string) {
	JobsProcessed.WithLabelValues(action, outcome).Inc()
}

// RecordTransition records a session state change.
func RecordTransition(from, to string) {
	if from == to {
		return
	}
	Transitions.WithLabelValues(from, to).Inc()
}
