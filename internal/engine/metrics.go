package engine

import "github.com/prometheus/client_golang/prometheus"

// Reaper cause label values.
const (
	causeHeartbeatTimeout = "heartbeat_timeout"
	causeStartupTimeout   = "startup_timeout"
)

var (
	tasksStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelined_tasks_started_total",
			Help: "Total number of stage runs admitted.",
		},
		[]string{"stage"},
	)

	tasksSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelined_tasks_succeeded_total",
			Help: "Total number of stage runs committed successfully.",
		},
		[]string{"stage"},
	)

	tasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelined_tasks_failed_total",
			Help: "Total number of stage runs that ended in failure.",
		},
		[]string{"stage"},
	)

	tasksCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelined_tasks_cancelled_total",
			Help: "Total number of running stage tasks cancelled by a user.",
		},
		[]string{"stage"},
	)

	tasksReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelined_tasks_reaped_total",
			Help: "Total number of stuck tasks force-failed by the reaper.",
		},
		[]string{"stage", "cause"},
	)

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelined_heartbeats_total",
			Help: "Total number of liveness heartbeats written.",
		},
		[]string{"stage"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pipelined_stage_duration_seconds",
			Help: "End-to-end duration of successful stage runs, in seconds.",
			// Stage runs span seconds to many minutes.
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(tasksStartedTotal)
	prometheus.MustRegister(tasksSucceededTotal)
	prometheus.MustRegister(tasksFailedTotal)
	prometheus.MustRegister(tasksCancelledTotal)
	prometheus.MustRegister(tasksReapedTotal)
	prometheus.MustRegister(heartbeatsTotal)
	prometheus.MustRegister(stageDuration)
}
