// Admin job endpoints: filtered listing (huma) and the audited manual
// requeue of terminally-failed jobs (chi).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// JobItem is the API representation of a job row.
type JobItem struct {
	ID              int64   `json:"id"`
	Status          string  `json:"status"`
	EventLedgerID   int64   `json:"event_ledger_id"`
	EventType       string  `json:"event_type"`
	ExternalEventID string  `json:"external_event_id"`
	CreatedAt       string  `json:"created_at"`
	Attempts        int32   `json:"attempts"`
	MaxAttempts     int32   `json:"max_attempts"`
	FailureType     *string `json:"failure_type,omitempty"`
	LastError       *string `json:"last_error,omitempty"`
	AvailableAt     string  `json:"available_at"`
}

func jobToItem(j store.Job) JobItem {
	item := JobItem{
		ID:              j.ID,
		Status:          string(j.Status),
		EventLedgerID:   j.EventLedgerID,
		EventType:       j.EventType,
		ExternalEventID: j.ExternalEventID,
		CreatedAt:       j.CreatedAt.UTC().Format(time.RFC3339),
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		AvailableAt:     j.AvailableAt.UTC().Format(time.RFC3339),
	}
	if j.FailureType != nil {
		s := string(*j.FailureType)
		item.FailureType = &s
	}
	item.LastError = j.LastError
	return item
}

// ── GET /admin/jobs ───────────────────────────────────────────────────────────

// ListJobsInput defines query parameters for the job listing.
type ListJobsInput struct {
	Status          string `query:"status" enum:"queued,in_progress,done,failed" doc:"Filter by job status"`
	EventType       string `query:"event_type" doc:"Filter by event type"`
	ExternalEventID string `query:"external_event_id" doc:"Filter by external event id"`
	FailureType     string `query:"failure_type" enum:"retryable,permanent" doc:"Filter by failure classification"`
	Limit           int    `query:"limit" minimum:"1" maximum:"200" default:"50" doc:"Page size (max 200)"`
}

// ListJobsOutput is the response for GET /admin/jobs.
type ListJobsOutput struct {
	Body *ListJobsBody
}

// ListJobsBody is the JSON body of the job list response.
type ListJobsBody struct {
	Items     []JobItem `json:"items"`
	Limit     int       `json:"limit"`
	ServerNow string    `json:"server_now"`
}

func registerJobRoutes(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Newest-first job listing with status, event, and failure-type filters.",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(s))
}

func listJobsHandler(s *store.Store) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		f := store.JobFilter{Limit: input.Limit}
		if input.Status != "" {
			st := store.JobStatus(input.Status)
			f.Status = &st
		}
		if input.EventType != "" {
			f.EventType = &input.EventType
		}
		if input.ExternalEventID != "" {
			f.ExternalEventID = &input.ExternalEventID
		}
		if input.FailureType != "" {
			ft := store.FailureType(input.FailureType)
			f.FailureType = &ft
		}

		rows, err := s.ListJobs(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		now, err := s.ServerNow(ctx)
		if err != nil {
			return nil, fmt.Errorf("server now: %w", err)
		}

		items := make([]JobItem, len(rows))
		for i, row := range rows {
			items[i] = jobToItem(row)
		}
		return &ListJobsOutput{Body: &ListJobsBody{
			Items:     items,
			Limit:     input.Limit,
			ServerNow: now.UTC().Format(time.RFC3339),
		}}, nil
	}
}

// ── POST /admin/jobs/{id}/requeue ─────────────────────────────────────────────

// requeueBody is the JSON request body for the manual requeue.
type requeueBody struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// requeueAudit is the audit sub-object in the requeue response.
type requeueAudit struct {
	ID        int64  `json:"id"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// requeueResponse is the 200 response for a successful manual requeue.
type requeueResponse struct {
	OK          bool         `json:"ok"`
	ID          int64        `json:"id"`
	Status      string       `json:"status"`
	AvailableAt string       `json:"available_at"`
	Audit       requeueAudit `json:"audit"`
}

// requeueJobHandler handles POST /admin/jobs/{id}/requeue. Only a job
// currently in failed status can be requeued; the store's conditional update
// is the sole arbiter, so concurrent requeues yield exactly one success.
func (srv *Server) requeueJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || jobID <= 0 {
		http.Error(w, "id must be a positive integer", http.StatusBadRequest)
		return
	}

	var body requeueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	body.Actor = strings.TrimSpace(body.Actor)
	body.Reason = strings.TrimSpace(body.Reason)
	if body.Actor == "" {
		http.Error(w, "actor must be a non-empty string", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		http.Error(w, "reason must be a non-empty string", http.StatusBadRequest)
		return
	}

	job, audit, err := srv.store.RequeueFailedJob(r.Context(), jobID, body.Actor, body.Reason)
	if err != nil {
		var stateErr *store.JobStateError
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			http.Error(w, fmt.Sprintf("job with id %d not found", jobID), http.StatusNotFound)
		case errors.As(err, &stateErr):
			http.Error(w, stateErr.Error()+". Only failed jobs can be requeued.", http.StatusConflict)
		default:
			slog.ErrorContext(r.Context(), "requeue job", "job_id", jobID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	slog.InfoContext(r.Context(), "manual requeue",
		"job_id", jobID, "action", audit.Action, "actor", audit.Actor)

	writeJSON(w, http.StatusOK, requeueResponse{
		OK:          true,
		ID:          job.ID,
		Status:      string(job.Status),
		AvailableAt: job.AvailableAt.UTC().Format(time.RFC3339),
		Audit: requeueAudit{
			ID:        audit.ID,
			Action:    audit.Action,
			Actor:     audit.Actor,
			Reason:    audit.Reason,
			CreatedAt: audit.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
}
