// ABOUTME: Integration tests for store/jobs.go — claiming, conditional
// ABOUTME: transitions, retry requeue, listing, and stale reclaim.
package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
	"github.com/mario-coppola/reliable-event-processing/internal/testutil"
)

// enqueue inserts a ledger event with a queued job and returns the job id.
func enqueue(t *testing.T, db *testutil.TestDB, eventType, externalID string) int64 {
	t.Helper()
	res, err := db.IngestEvent(context.Background(), eventType, externalID,
		json.RawMessage(`{"payload":{"subscription_id":"sub_1"}}`), 3)
	if err != nil {
		t.Fatalf("IngestEvent: %v", err)
	}
	return res.JobID
}

func TestClaimJob_OldestFirstAndIncrementsAttempts(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	first := enqueue(t, db, "subscription.paid", "evt_claim_1")
	enqueue(t, db, "subscription.paid", "evt_claim_2")

	job, err := db.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimJob returned nil with queued jobs available")
	}
	if job.ID != first {
		t.Errorf("claimed job %d, want oldest %d", job.ID, first)
	}
	if job.Status != store.JobInProgress {
		t.Errorf("Status = %q, want in_progress", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", job.Attempts)
	}
}

func TestClaimJob_EmptyQueueReturnsNil(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	job, err := db.ClaimJob(context.Background())
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job != nil {
		t.Errorf("ClaimJob on empty queue = %+v, want nil", job)
	}
}

func TestClaimJob_RespectsAvailableAt(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	id := enqueue(t, db, "subscription.paid", "evt_future")
	_, err := db.Pool.Exec(ctx,
		`UPDATE jobs SET available_at = now() + interval '1 hour' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("backdate available_at: %v", err)
	}

	job, err := db.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job != nil {
		t.Errorf("claimed job %d scheduled in the future", job.ID)
	}
}

func TestClaimJob_ConcurrentClaimersNeverShareAJob(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	const jobs = 5
	for i := range jobs {
		enqueue(t, db, "subscription.paid", fmt.Sprintf("evt_race_%d", i))
	}

	const claimers = 10
	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := db.ClaimJob(ctx)
			if err != nil {
				t.Errorf("ClaimJob: %v", err)
				return
			}
			if job == nil {
				return
			}
			mu.Lock()
			claimed[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %d claimed %d times", id, n)
		}
	}
}

func TestMarkJobDone_RequiresInProgress(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	id := enqueue(t, db, "subscription.paid", "evt_done")

	// Still queued: the conditional update must refuse.
	err := db.MarkJobDone(ctx, id)
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Fatalf("MarkJobDone on queued job: err = %v, want ErrStaleTransition", err)
	}

	if _, err := db.ClaimJob(ctx); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := db.MarkJobDone(ctx, id); err != nil {
		t.Fatalf("MarkJobDone: %v", err)
	}

	job, err := db.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobDone {
		t.Errorf("Status = %q, want done", job.Status)
	}

	// Second completion is stale: the job already left in_progress.
	err = db.MarkJobDone(ctx, id)
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Errorf("second MarkJobDone: err = %v, want ErrStaleTransition", err)
	}
}

func TestMarkJobFailed_RecordsClassification(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	id := enqueue(t, db, "subscription.paid", "evt_fail")
	if _, err := db.ClaimJob(ctx); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	if err := db.MarkJobFailed(ctx, id, store.FailurePermanent, "missing subscription_id"); err != nil {
		t.Fatalf("MarkJobFailed: %v", err)
	}

	job, err := db.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobFailed {
		t.Errorf("Status = %q, want failed", job.Status)
	}
	if job.FailureType == nil || *job.FailureType != store.FailurePermanent {
		t.Errorf("FailureType = %v, want permanent", job.FailureType)
	}
	if job.LastError == nil || *job.LastError != "missing subscription_id" {
		t.Errorf("LastError = %v, want recorded message", job.LastError)
	}
}

func TestRequeueJobForRetry_SetsDelayAndFailureType(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	id := enqueue(t, db, "subscription.paid", "evt_retry")
	if _, err := db.ClaimJob(ctx); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	if err := db.RequeueJobForRetry(ctx, id, "connection refused", 5*time.Second); err != nil {
		t.Fatalf("RequeueJobForRetry: %v", err)
	}

	job, err := db.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobQueued {
		t.Errorf("Status = %q, want queued", job.Status)
	}
	if job.FailureType == nil || *job.FailureType != store.FailureRetryable {
		t.Errorf("FailureType = %v, want retryable", job.FailureType)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (requeue must not reset the counter)", job.Attempts)
	}

	// available_at moved into the future, so the job is not claimable yet.
	var claimable bool
	err = db.Pool.QueryRow(ctx,
		`SELECT available_at <= now() FROM jobs WHERE id = $1`, id).Scan(&claimable)
	if err != nil {
		t.Fatalf("probe available_at: %v", err)
	}
	if claimable {
		t.Error("requeued job is claimable immediately, want backoff delay applied")
	}
}

func TestJobRetryState(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	id := enqueue(t, db, "subscription.paid", "evt_budget")
	if _, err := db.ClaimJob(ctx); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	st, err := db.JobRetryState(ctx, id)
	if err != nil {
		t.Fatalf("JobRetryState: %v", err)
	}
	if st.Attempts != 1 || st.MaxAttempts != 3 {
		t.Errorf("RetryState = %+v, want {1 3}", st)
	}

	_, err = db.JobRetryState(ctx, 999999)
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func TestListJobs_FiltersAndOrder(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	a := enqueue(t, db, "subscription.paid", "evt_list_a")
	b := enqueue(t, db, "invoice.created", "evt_list_b")
	c := enqueue(t, db, "subscription.paid", "evt_list_c")

	all, err := db.ListJobs(ctx, store.JobFilter{Limit: 50})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d jobs, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != c || all[2].ID != a {
		t.Errorf("order = [%d %d %d], want id DESC", all[0].ID, all[1].ID, all[2].ID)
	}

	et := "invoice.created"
	byType, err := db.ListJobs(ctx, store.JobFilter{EventType: &et, Limit: 50})
	if err != nil {
		t.Fatalf("ListJobs(event_type): %v", err)
	}
	if len(byType) != 1 || byType[0].ID != b {
		t.Errorf("event_type filter returned %d rows, want exactly job %d", len(byType), b)
	}

	queued := store.JobQueued
	limited, err := db.ListJobs(ctx, store.JobFilter{Status: &queued, Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs(limit): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d rows", len(limited))
	}
}

func TestReclaimStaleJobs(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	stale := enqueue(t, db, "subscription.paid", "evt_stale")
	fresh := enqueue(t, db, "subscription.paid", "evt_fresh")
	if _, err := db.ClaimJob(ctx); err != nil {
		t.Fatalf("ClaimJob(stale): %v", err)
	}
	if _, err := db.ClaimJob(ctx); err != nil {
		t.Fatalf("ClaimJob(fresh): %v", err)
	}

	// Backdate only the first job's heartbeat.
	_, err := db.Pool.Exec(ctx,
		`UPDATE jobs SET updated_at = now() - interval '1 hour' WHERE id = $1`, stale)
	if err != nil {
		t.Fatalf("backdate updated_at: %v", err)
	}

	n, err := db.ReclaimStaleJobs(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStaleJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d jobs, want 1", n)
	}

	staleJob, err := db.GetJob(ctx, stale)
	if err != nil {
		t.Fatalf("GetJob(stale): %v", err)
	}
	if staleJob.Status != store.JobQueued {
		t.Errorf("stale job status = %q, want queued", staleJob.Status)
	}
	if staleJob.Attempts != 1 {
		t.Errorf("stale job attempts = %d, want 1 (reclaim must not reset)", staleJob.Attempts)
	}

	freshJob, err := db.GetJob(ctx, fresh)
	if err != nil {
		t.Fatalf("GetJob(fresh): %v", err)
	}
	if freshJob.Status != store.JobInProgress {
		t.Errorf("fresh job status = %q, want in_progress untouched", freshJob.Status)
	}
}
