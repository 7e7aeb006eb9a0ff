package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsSubmittedTotal,
		jobsRejectedTotal,
		jobsFinishedTotal,
		jobsActive,
		jobDurationSeconds,
		jobCheckpointsTotal,
		jobsReapedTotal,
		jobsRedispatchedTotal,
		jobsPurgedTotal,
	)
}

var (
	jobsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatjobs_jobs_submitted_total",
		Help: "Jobs accepted by the submission service.",
	})

	jobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatjobs_jobs_rejected_total",
			Help: "Submissions rejected before a job existed, by reason.",
		},
		[]string{"reason"}, // validation, session_not_active, concurrent_job, rate_limited
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatjobs_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by status and error kind.",
		},
		[]string{"status", "kind"},
	)

	jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatjobs_jobs_active",
		Help: "Jobs currently executing in this process.",
	})

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatjobs_job_duration_seconds",
			Help:    "Time from claim to terminal state.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		},
		[]string{"status"},
	)

	jobCheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatjobs_job_checkpoints_total",
			Help: "Checkpoint writes, by result.",
		},
		[]string{"result"}, // ok, lease_lost, error
	)

	jobsReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatjobs_jobs_reaped_total",
		Help: "Running jobs failed by the reaper after their lease expired.",
	})

	jobsRedispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatjobs_jobs_redispatched_total",
		Help: "Pending jobs re-enqueued after their dispatch went unanswered.",
	})

	jobsPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatjobs_jobs_purged_total",
		Help: "Terminal jobs deleted after the retention window.",
	})
)

func IncJobSubmitted() { jobsSubmittedTotal.Inc() }

func IncJobRejected(reason string) { jobsRejectedTotal.WithLabelValues(norm(reason)).Inc() }

// ObserveJobFinished records a terminal job. kind is empty for completed jobs.
func ObserveJobFinished(status, kind string, d time.Duration) {
	if kind == "" {
		kind = "none"
	}
	jobsFinishedTotal.WithLabelValues(norm(status), kind).Inc()
	if d > 0 {
		jobDurationSeconds.WithLabelValues(norm(status)).Observe(d.Seconds())
	}
}

func JobStarted()  { jobsActive.Inc() }
func JobFinished() { jobsActive.Dec() }

func IncCheckpoint(result string) { jobCheckpointsTotal.WithLabelValues(norm(result)).Inc() }

func AddJobsReaped(n int)       { jobsReapedTotal.Add(float64(n)) }
func AddJobsRedispatched(n int) { jobsRedispatchedTotal.Add(float64(n)) }
func AddJobsPurged(n int64)     { jobsPurgedTotal.Add(float64(n)) }
