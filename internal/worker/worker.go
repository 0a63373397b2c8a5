package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// Options configures a Worker. Zero-value durations fall back to defaults
// matching production configuration.
type Options struct {
	// PollInterval is the sleep between claim attempts when the queue is
	// empty or the claim itself errored.
	PollInterval time.Duration
	// RetryDelay is the fixed backoff added to now() when a job is requeued.
	// Fixed, not exponential: there is no ordering requirement between
	// retries of different jobs. Zero means the job is immediately claimable
	// again.
	RetryDelay time.Duration
	// Failpoint injects a simulated transient failure when non-nil. Dev only.
	Failpoint Failpoint
	// ReclaimEnabled turns on the stale in_progress sweep goroutine.
	ReclaimEnabled       bool
	ReclaimAfter         time.Duration
	ReclaimCheckInterval time.Duration
}

const (
	defaultPollInterval = 750 * time.Millisecond
	defaultRetryDelay   = 5 * time.Second
)

// Worker is a single sequential poll loop competing with other worker
// processes over the shared jobs table. It owns its loop state explicitly;
// nothing here is shared across workers except the database rows themselves.
type Worker struct {
	store *store.Store
	id    string
	opts  Options

	mu    sync.RWMutex
	procs map[string]ProcessFunc

	// Streak flags so idle and claim-error states are logged once per streak,
	// not on every poll.
	idle      bool
	errStreak bool
}

// New creates a Worker backed by s. A random id distinguishes this process in
// logs when several workers share one queue.
func New(s *store.Store, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ReclaimCheckInterval <= 0 {
		opts.ReclaimCheckInterval = time.Minute
	}
	return &Worker{
		store: s,
		id:    uuid.New().String(),
		opts:  opts,
		procs: make(map[string]ProcessFunc),
	}
}

// Register associates fn with the named event type. Must be called before Start.
func (w *Worker) Register(eventType string, fn ProcessFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.procs[eventType] = fn
}

// Start runs the poll loop, plus the stale-job reclaim goroutine when
// enabled, and blocks until ctx is cancelled. The loop exits after completing
// its current iteration; an in-flight claimed job is resolved before return
// when possible, and otherwise stays in_progress for the reclaim sweep or an
// operator to deal with.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("worker started", "worker_id", w.id, "poll_interval", w.opts.PollInterval)

	var wg sync.WaitGroup
	if w.opts.ReclaimEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runReclaim(ctx)
		}()
	}

	w.runPoll(ctx)
	wg.Wait()
	slog.Info("worker stopped", "worker_id", w.id)
}

// runPoll is the claim → process → resolve cycle. A processed job loops again
// immediately to drain backlog; an empty or failed claim sleeps one poll
// interval. No single failed iteration terminates the loop.
func (w *Worker) runPoll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.ProcessNext(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			if !w.errStreak {
				slog.Error("claim job error", "worker_id", w.id, "error", err)
				w.errStreak = true
			}
			w.idle = false
			if !w.sleep(ctx) {
				return
			}
		case !processed:
			if !w.idle {
				slog.Info("no jobs available", "worker_id", w.id)
				w.idle = true
			}
			w.errStreak = false
			if !w.sleep(ctx) {
				return
			}
		default:
			w.idle = false
			w.errStreak = false
		}
	}
}

// ProcessNext claims at most one job and runs it to resolution. Returns
// whether a job was processed; the error is non-nil only when the claim step
// itself failed — processing failures are fully contained by the retry policy
// and never escape here.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	jobsClaimed.Inc()
	slog.Info("job claimed",
		"worker_id", w.id, "job_id", job.ID, "event_type", job.EventType, "attempts", job.Attempts)
	w.process(ctx, job)
	return true, nil
}

// process dispatches a claimed job and resolves its terminal state for this
// attempt. The job is guaranteed to leave in_progress here unless the store
// itself is unreachable.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	if w.opts.Failpoint != nil && w.opts.Failpoint() {
		slog.Warn("failpoint triggered", "worker_id", w.id, "job_id", job.ID)
		w.resolveFailure(ctx, job, errFailpoint)
		return
	}

	w.mu.RLock()
	fn, ok := w.procs[job.EventType]
	w.mu.RUnlock()

	if !ok {
		// Unrecognized event types are no-ops: done, not failed.
		if err := w.store.MarkJobDone(ctx, job.ID); err != nil {
			slog.Error("mark job done error", "job_id", job.ID, "error", err)
			return
		}
		jobsDone.Inc()
		slog.Info("job skipped (no processor for event type)",
			"worker_id", w.id, "job_id", job.ID, "event_type", job.EventType)
		return
	}

	if err := fn(ctx, job); err != nil {
		w.resolveFailure(ctx, job, err)
		return
	}

	if err := w.store.MarkJobDone(ctx, job.ID); err != nil {
		slog.Error("mark job done error", "job_id", job.ID, "error", err)
		return
	}
	jobsDone.Inc()
	slog.Info("job completed",
		"worker_id", w.id, "job_id", job.ID, "event_type", job.EventType)
}

// resolveFailure classifies the processing error and either requeues with the
// fixed backoff or fails the job terminally. Any secondary failure while
// resolving degrades to an unconditional mark-failed with the original error,
// so a job is never left silently in in_progress.
func (w *Worker) resolveFailure(ctx context.Context, job *store.Job, procErr error) {
	failureType := Classify(procErr)

	state, err := w.store.JobRetryState(ctx, job.ID)
	if err != nil {
		slog.Error("retry state read failed, failing job",
			"job_id", job.ID, "error", err)
		w.failJob(ctx, job, failureType, procErr)
		return
	}

	if ShouldRetry(state.Attempts, state.MaxAttempts, failureType) {
		if err := w.store.RequeueJobForRetry(ctx, job.ID, procErr.Error(), w.opts.RetryDelay); err != nil {
			slog.Error("requeue failed, failing job", "job_id", job.ID, "error", err)
			w.failJob(ctx, job, failureType, procErr)
			return
		}
		jobsRequeued.Inc()
		slog.Warn("job requeued",
			"worker_id", w.id, "job_id", job.ID,
			"attempts", state.Attempts, "max_attempts", state.MaxAttempts,
			"error", procErr)
		return
	}

	w.failJob(ctx, job, failureType, procErr)
}

func (w *Worker) failJob(ctx context.Context, job *store.Job, failureType store.FailureType, procErr error) {
	if err := w.store.MarkJobFailed(ctx, job.ID, failureType, procErr.Error()); err != nil {
		slog.Error("mark job failed error", "job_id", job.ID, "error", err)
		return
	}
	jobsFailed.WithLabelValues(string(failureType)).Inc()
	slog.Error("job failed",
		"worker_id", w.id, "job_id", job.ID, "event_type", job.EventType,
		"failure_type", failureType, "error", procErr)
}

// runReclaim periodically sweeps jobs stuck in in_progress back to queued.
// Uses time.NewTicker (not time.After) to avoid timer leaks.
func (w *Worker) runReclaim(ctx context.Context) {
	ticker := time.NewTicker(w.opts.ReclaimCheckInterval)
	defer ticker.Stop()

	slog.Info("stale job reclaim started",
		"worker_id", w.id,
		"reclaim_after", w.opts.ReclaimAfter,
		"check_interval", w.opts.ReclaimCheckInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.ReclaimStaleJobs(ctx, w.opts.ReclaimAfter)
			if err != nil {
				slog.Error("stale job reclaim error", "error", err)
				continue
			}
			if n > 0 {
				jobsReclaimed.Add(float64(n))
				slog.Info("reclaimed stale jobs", "count", n)
			}
		}
	}
}

// sleep blocks for one poll interval. Returns false when ctx was cancelled
// first. time.NewTimer (not time.After) so the timer is released on cancel.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
