package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventproc_jobs_claimed_total",
		Help: "Jobs claimed by this worker process.",
	})
	jobsDone = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventproc_jobs_done_total",
		Help: "Jobs resolved as done (including no-op event types).",
	})
	jobsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventproc_jobs_requeued_total",
		Help: "Jobs requeued for retry after a retryable failure.",
	})
	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventproc_jobs_failed_total",
		Help: "Jobs resolved as terminally failed, by failure type.",
	}, []string{"failure_type"})
	jobsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventproc_jobs_reclaimed_total",
		Help: "Stale in_progress jobs swept back to queued.",
	})
)
