package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
)

func init() {
	register(jobsStarted, jobsFinished, jobDuration, submissions)
}

var (
	jobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndr_jobs_started_total",
			Help: "Job attempts picked up by workers, per queue.",
		},
		[]string{"queue"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndr_jobs_finished_total",
			Help: "Job attempts by queue and outcome (completed/retried/failed).",
		},
		[]string{"queue", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ndr_job_duration_seconds",
			Help:    "Duration of successful job attempts.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"queue"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndr_submissions_total",
			Help: "Job submissions by queue and result (accepted/unavailable/rejected).",
		},
		[]string{"queue", "result"},
	)
)

// Instrument records job lifecycle metrics through the manager's hooks.
func Instrument(m *queue.Manager) {
	m.OnJobStart(func(_ context.Context, job *core.Job) {
		jobsStarted.WithLabelValues(norm(job.Queue)).Inc()
	})
	m.OnJobComplete(func(_ context.Context, job *core.Job) {
		jobsFinished.WithLabelValues(norm(job.Queue), "completed").Inc()
		if job.ProcessedAt != nil {
			jobDuration.WithLabelValues(norm(job.Queue)).Observe(time.Since(*job.ProcessedAt).Seconds())
		}
	})
	m.OnRetry(func(_ context.Context, job *core.Job, _ int, _ error) {
		jobsFinished.WithLabelValues(norm(job.Queue), "retried").Inc()
	})
	m.OnJobFail(func(_ context.Context, job *core.Job, _ error) {
		jobsFinished.WithLabelValues(norm(job.Queue), "failed").Inc()
	})
}

// IncSubmission counts a submission attempt.
func IncSubmission(queueName, result string) {
	submissions.WithLabelValues(norm(queueName), norm(result)).Inc()
}
