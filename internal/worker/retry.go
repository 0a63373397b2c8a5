package worker

import (
	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// ShouldRetry is the sole gate between requeue and terminal failure: true iff
// the failure is retryable and the attempt budget is not exhausted. attempts
// already includes the increment applied at claim time, so the comparison is
// against attempts consumed.
func ShouldRetry(attempts, maxAttempts int32, failureType store.FailureType) bool {
	return failureType == store.FailureRetryable && attempts < maxAttempts
}
