// Package worker drives the job lifecycle: claim the oldest eligible job via
// the store's SKIP LOCKED protocol, dispatch it to the processor registered
// for its event type, and resolve the outcome (done, requeued with backoff,
// or terminally failed).
//
// Processors are registered per event type before calling Worker.Start. Event
// types with no registered processor are treated as no-ops and marked done.
package worker

import (
	"context"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// ProcessFunc executes the effect for one claimed job. A nil return marks the
// job done; a non-nil return goes through failure classification and the
// retry policy. Implementations must be idempotent: the queue guarantees
// at-least-once execution, not exactly-once.
type ProcessFunc func(ctx context.Context, job *store.Job) error
