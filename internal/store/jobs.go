package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// JobStatus is the closed set of job lifecycle states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// FailureType classifies a job failure independently of the retry budget.
type FailureType string

const (
	FailureRetryable FailureType = "retryable"
	FailurePermanent FailureType = "permanent"
)

// Job is one unit of queued work derived from a ledger event.
type Job struct {
	ID              int64
	Status          JobStatus
	EventLedgerID   int64
	EventType       string
	ExternalEventID string
	CreatedAt       time.Time
	Attempts        int32
	MaxAttempts     int32
	FailureType     *FailureType
	LastError       *string
	AvailableAt     time.Time
	UpdatedAt       time.Time
}

// RetryState is the attempt budget snapshot read back when resolving a failure.
type RetryState struct {
	Attempts    int32
	MaxAttempts int32
}

const jobColumns = `id, status, event_ledger_id, event_type, external_event_id, created_at,
	attempts, max_attempts, failure_type, last_error, available_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Status, &j.EventLedgerID, &j.EventType, &j.ExternalEventID, &j.CreatedAt,
		&j.Attempts, &j.MaxAttempts, &j.FailureType, &j.LastError, &j.AvailableAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimJob atomically claims the oldest eligible queued job using
// FOR UPDATE SKIP LOCKED: concurrent claimers skip rows another transaction
// has already locked instead of blocking on them. The claimed row transitions
// to in_progress with attempts incremented by exactly one before the
// transaction commits. Returns (nil, nil) when no job is available.
func (s *Store) ClaimJob(ctx context.Context) (*Job, error) {
	var job *Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE status = 'queued' AND available_at <= now()
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select queued job: %w", err)
		}
		err = tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = 'in_progress', attempts = attempts + 1, updated_at = now()
			WHERE id = $1
			RETURNING attempts`, j.ID).Scan(&j.Attempts)
		if err != nil {
			return fmt.Errorf("transition job %d to in_progress: %w", j.ID, err)
		}
		j.Status = JobInProgress
		job = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// MarkJobDone transitions a job from in_progress to done. Returns
// ErrStaleTransition if the job was not in in_progress.
func (s *Store) MarkJobDone(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'done', updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`, id)
	if err != nil {
		return fmt.Errorf("mark job %d done: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %d done: %w", id, ErrStaleTransition)
	}
	return nil
}

// MarkJobFailed transitions a job from in_progress to failed, recording the
// failure classification and last error. Returns ErrStaleTransition if the
// job was not in in_progress.
func (s *Store) MarkJobFailed(ctx context.Context, id int64, failureType FailureType, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', failure_type = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`, id, failureType, lastError)
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %d failed: %w", id, ErrStaleTransition)
	}
	return nil
}

// RequeueJobForRetry transitions a job from in_progress back to queued with a
// fixed backoff delay before it becomes claimable again. Returns
// ErrStaleTransition if the job was not in in_progress.
func (s *Store) RequeueJobForRetry(ctx context.Context, id int64, lastError string, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued',
		    failure_type = 'retryable',
		    last_error = $2,
		    available_at = now() + make_interval(secs => $3),
		    updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`, id, lastError, delay.Seconds())
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue job %d: %w", id, ErrStaleTransition)
	}
	return nil
}

// JobRetryState reads the current attempt budget for a job. Returns
// ErrJobNotFound when the job does not exist.
func (s *Store) JobRetryState(ctx context.Context, id int64) (RetryState, error) {
	var st RetryState
	err := s.pool.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = $1`, id,
	).Scan(&st.Attempts, &st.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return RetryState{}, fmt.Errorf("retry state for job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return RetryState{}, fmt.Errorf("retry state for job %d: %w", id, err)
	}
	return st, nil
}

// GetJob returns the job with the given id, or (nil, nil) when it does not exist.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// JobFilter narrows ListJobs. Nil fields are not applied.
type JobFilter struct {
	Status          *JobStatus
	EventType       *string
	ExternalEventID *string
	FailureType     *FailureType
	Limit           int
}

// ListJobs returns the newest jobs matching the filter, ordered by id DESC.
// The caller is responsible for bounding Limit.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.Select(
		"id", "status", "event_ledger_id", "event_type", "external_event_id", "created_at",
		"attempts", "max_attempts", "failure_type", "last_error", "available_at", "updated_at",
	).
		From("jobs").
		OrderBy("id DESC").
		Limit(uint64(f.Limit)) //nolint:gosec // G115: limit validated by caller

	if f.Status != nil {
		sb = sb.Where(sq.Eq{"status": string(*f.Status)})
	}
	if f.EventType != nil {
		sb = sb.Where(sq.Eq{"event_type": *f.EventType})
	}
	if f.ExternalEventID != nil {
		sb = sb.Where(sq.Eq{"external_event_id": *f.ExternalEventID})
	}
	if f.FailureType != nil {
		sb = sb.Where(sq.Eq{"failure_type": string(*f.FailureType)})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		result = append(result, *j)
	}
	return result, rows.Err()
}

// ReclaimStaleJobs resets jobs stuck in in_progress longer than olderThan back
// to queued so a healthy worker can pick them up. Attempt counters are left
// untouched; the retry budget still applies on the next claim. Returns the
// number of jobs reclaimed.
func (s *Store) ReclaimStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', available_at = now(), updated_at = now()
		WHERE status = 'in_progress' AND updated_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
