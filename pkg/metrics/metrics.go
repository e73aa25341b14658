// Package metrics provides Prometheus metrics for the pipeline service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks finished scan runs by terminal state
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of scan runs by feature and terminal state",
		},
		[]string{"feature", "state"},
	)

	// RunDuration tracks scan run wall-clock duration
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailpipe",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of scan runs in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"feature"},
	)

	// MessagesTotal tracks per-message outcomes inside runs
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Total number of candidate messages by outcome",
		},
		[]string{"feature", "outcome"},
	)

	// EntriesTotal tracks result store upserts by outcome
	EntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "store",
			Name:      "entries_total",
			Help:      "Total number of extracted entry upserts by outcome",
		},
		[]string{"feature", "outcome"},
	)

	// SchedulerDecisions tracks what each tick decided per config
	SchedulerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "scheduler",
			Name:      "decisions_total",
			Help:      "Total number of scheduling decisions by outcome",
		},
		[]string{"outcome"},
	)

	// ClassifierCalls tracks classification calls by result
	ClassifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "classifier",
			Name:      "calls_total",
			Help:      "Total number of classification calls by feature and result",
		},
		[]string{"feature", "result"},
	)

	// RateLimitRetries tracks backoff retries per dependency
	RateLimitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "ratelimit",
			Name:      "retries_total",
			Help:      "Total number of retries performed per external dependency",
		},
		[]string{"dependency"},
	)

	// RateLimitExhausted tracks calls that ran out of attempts
	RateLimitExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "ratelimit",
			Name:      "exhausted_total",
			Help:      "Total number of calls that exhausted their retry budget",
		},
		[]string{"dependency"},
	)

	// NotificationsTotal tracks downstream dispatches
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "notifier",
			Name:      "dispatches_total",
			Help:      "Total number of notification dispatches by channel and status",
		},
		[]string{"channel", "status"},
	)
)

// RecordRun records a finished run.
func RecordRun(feature, state string, duration time.Duration) {
	RunsTotal.WithLabelValues(feature, state).Inc()
	RunDuration.WithLabelValues(feature).Observe(duration.Seconds())
}

// RecordMessages adds n messages with the given outcome.
func RecordMessages(feature, outcome string, n int) {
	if n <= 0 {
		return
	}
	MessagesTotal.WithLabelValues(feature, outcome).Add(float64(n))
}

func RecordEntry(feature, outcome string) {
	EntriesTotal.WithLabelValues(feature, outcome).Inc()
}

func RecordSchedulerDecision(outcome string) {
	SchedulerDecisions.WithLabelValues(outcome).Inc()
}

func RecordClassifierCall(feature, result string) {
	ClassifierCalls.WithLabelValues(feature, result).Inc()
}

func RecordRetry(dependency string) {
	RateLimitRetries.WithLabelValues(dependency).Inc()
}

func RecordExhausted(dependency string) {
	RateLimitExhausted.WithLabelValues(dependency).Inc()
}

func RecordNotification(channel, status string) {
	NotificationsTotal.WithLabelValues(channel, status).Inc()
}
