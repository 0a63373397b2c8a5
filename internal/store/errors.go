package store

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrEventNotFound is returned when a job references an event_ledger row
	// that does not exist.
	ErrEventNotFound = errors.New("event_ledger entry not found")

	// ErrDuplicateActivation is returned by CreatePendingActivation when the
	// idempotency key already exists. Callers treat it as "already handled",
	// not as a failure.
	ErrDuplicateActivation = errors.New("activation already recorded for idempotency key")

	// ErrStaleTransition is returned when a conditional status update matched
	// zero rows: the job was not in the status the transition requires.
	ErrStaleTransition = errors.New("job not in expected status for transition")
)

// JobStateError reports a manual requeue attempt on a job that exists but is
// not in failed status.
type JobStateError struct {
	JobID  int64
	Status JobStatus
}

func (e *JobStateError) Error() string {
	return fmt.Sprintf("job %d is not in failed status (current status: %s)", e.JobID, e.Status)
}
