package core

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "punchcard_jobs_queued",
		Help: "Number of jobs waiting in the backlog for a worker slot.",
	})

	jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "punchcard_jobs_running",
		Help: "Number of jobs currently bound to a worker slot.",
	})

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchcard_jobs_total",
			Help: "Total number of jobs that reached a terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(jobsQueued)
	prometheus.MustRegister(jobsRunning)
	prometheus.MustRegister(jobsFinished)
}
