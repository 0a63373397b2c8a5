// Store methods for manual job intervention and its audit trail. The
// conditional UPDATE's WHERE clause is the sole arbiter of whether a requeue
// is legal, so a worker racing on the same row can never cause a lost update
// or a double audit record.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// ActionManualRequeue is the audit action recorded for operator-initiated requeues.
const ActionManualRequeue = "manual_requeue"

// Intervention is one append-only audit record of a manual job transition.
type Intervention struct {
	ID        int64
	JobID     int64
	Action    string
	Actor     string
	Reason    string
	CreatedAt time.Time
}

// RequeuedJob is the job state returned by a successful manual requeue.
type RequeuedJob struct {
	ID          int64
	Status      JobStatus
	AvailableAt time.Time
}

// RequeueFailedJob transitions a failed job back to queued and inserts the
// audit record in the same transaction. The transition is a single
// conditional update: it either affects exactly the one row whose status is
// failed, or nothing. On a zero-row update a follow-up read distinguishes
// ErrJobNotFound from JobStateError.
func (s *Store) RequeueFailedJob(ctx context.Context, jobID int64, actor, reason string) (*RequeuedJob, *Intervention, error) {
	var (
		job   RequeuedJob
		audit Intervention
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = 'queued', available_at = now(), updated_at = now()
			WHERE id = $1 AND status = 'failed'
			RETURNING id, status, available_at`, jobID,
		).Scan(&job.ID, &job.Status, &job.AvailableAt)
		if errors.Is(err, pgx.ErrNoRows) {
			var status JobStatus
			err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("read job status: %w", err)
			}
			return &JobStateError{JobID: jobID, Status: status}
		}
		if err != nil {
			return fmt.Errorf("conditional requeue: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO job_intervention_audit (job_id, action, actor, reason)
			VALUES ($1, $2, $3, $4)
			RETURNING id, job_id, action, actor, reason, created_at`,
			jobID, ActionManualRequeue, actor, reason,
		).Scan(&audit.ID, &audit.JobID, &audit.Action, &audit.Actor, &audit.Reason, &audit.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &job, &audit, nil
}

// InterventionFilter narrows ListInterventions. Nil fields are not applied.
type InterventionFilter struct {
	JobID  *int64
	Action *string
	Limit  int
}

// InterventionWithJob pairs an audit record with the current state of its job.
type InterventionWithJob struct {
	Audit Intervention
	Job   Job
}

// ListInterventions returns audit records joined with current job state,
// newest first. The caller is responsible for bounding Limit.
func (s *Store) ListInterventions(ctx context.Context, f InterventionFilter) ([]InterventionWithJob, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.Select(
		"a.id", "a.job_id", "a.action", "a.actor", "a.reason", "a.created_at",
		"j.id", "j.status", "j.event_ledger_id", "j.event_type", "j.external_event_id", "j.created_at",
		"j.attempts", "j.max_attempts", "j.failure_type", "j.last_error", "j.available_at", "j.updated_at",
	).
		From("job_intervention_audit a").
		Join("jobs j ON j.id = a.job_id").
		OrderBy("a.created_at DESC", "a.id DESC").
		Limit(uint64(f.Limit)) //nolint:gosec // G115: limit validated by caller

	if f.JobID != nil {
		sb = sb.Where(sq.Eq{"a.job_id": *f.JobID})
	}
	if f.Action != nil {
		sb = sb.Where(sq.Eq{"a.action": *f.Action})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list interventions: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var result []InterventionWithJob
	for rows.Next() {
		var iv InterventionWithJob
		err := rows.Scan(
			&iv.Audit.ID, &iv.Audit.JobID, &iv.Audit.Action, &iv.Audit.Actor, &iv.Audit.Reason, &iv.Audit.CreatedAt,
			&iv.Job.ID, &iv.Job.Status, &iv.Job.EventLedgerID, &iv.Job.EventType, &iv.Job.ExternalEventID, &iv.Job.CreatedAt,
			&iv.Job.Attempts, &iv.Job.MaxAttempts, &iv.Job.FailureType, &iv.Job.LastError, &iv.Job.AvailableAt, &iv.Job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("list interventions: scan: %w", err)
		}
		result = append(result, iv)
	}
	return result, rows.Err()
}
