package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsTotal, jobPollsTotal, jobDurationSeconds) }

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_backtest_jobs_total",
		Help: "Backtest jobs by terminal status (completed/failed/cancelled/timeout).",
	},
	[]string{"status"},
)

var jobPollsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "spyglass_backtest_polls_total",
		Help: "Status queries issued while polling backtest jobs.",
	},
)

var jobDurationSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "spyglass_backtest_job_duration_seconds",
		Help:    "Wall-clock duration of backtest jobs from submit to terminal status.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
)

// IncJob records a job reaching a terminal status.
func IncJob(status string) {
	jobsTotal.WithLabelValues(norm(status)).Inc()
}

// IncJobPoll records one status query.
func IncJobPoll() {
	jobPollsTotal.Inc()
}

// ObserveJobDuration records a finished job's wall-clock duration.
func ObserveJobDuration(seconds float64) {
	jobDurationSeconds.Observe(seconds)
}
