package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// InterventionItem pairs an audit record with the current state of its job.
type InterventionItem struct {
	Audit AuditItem `json:"audit"`
	Job   JobItem   `json:"job"`
}

// AuditItem is the API representation of an audit record.
type AuditItem struct {
	ID        int64  `json:"id"`
	JobID     int64  `json:"job_id"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// ListInterventionsInput defines query parameters for the audit listing.
type ListInterventionsInput struct {
	JobID  int64  `query:"job_id" minimum:"1" doc:"Filter by job id"`
	Action string `query:"action" doc:"Filter by audit action"`
	Limit  int    `query:"limit" minimum:"1" maximum:"200" default:"50" doc:"Page size (max 200)"`
}

// ListInterventionsOutput is the response for GET /admin/interventions.
type ListInterventionsOutput struct {
	Body *ListInterventionsBody
}

// ListInterventionsBody is the JSON body of the audit list response.
type ListInterventionsBody struct {
	Items     []InterventionItem `json:"items"`
	Limit     int                `json:"limit"`
	ServerNow string             `json:"server_now"`
}

func registerInterventionRoutes(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-interventions",
		Method:      http.MethodGet,
		Path:        "/interventions",
		Summary:     "List manual interventions",
		Description: "Newest-first audit trail of manual job transitions, joined with current job state.",
		Tags:        []string{"Interventions"},
	}, listInterventionsHandler(s))
}

func listInterventionsHandler(s *store.Store) func(context.Context, *ListInterventionsInput) (*ListInterventionsOutput, error) {
	return func(ctx context.Context, input *ListInterventionsInput) (*ListInterventionsOutput, error) {
		f := store.InterventionFilter{Limit: input.Limit}
		if input.JobID != 0 {
			f.JobID = &input.JobID
		}
		if input.Action != "" {
			f.Action = &input.Action
		}

		rows, err := s.ListInterventions(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list interventions: %w", err)
		}
		now, err := s.ServerNow(ctx)
		if err != nil {
			return nil, fmt.Errorf("server now: %w", err)
		}

		items := make([]InterventionItem, len(rows))
		for i, row := range rows {
			items[i] = InterventionItem{
				Audit: AuditItem{
					ID:        row.Audit.ID,
					JobID:     row.Audit.JobID,
					Action:    row.Audit.Action,
					Actor:     row.Audit.Actor,
					Reason:    row.Audit.Reason,
					CreatedAt: row.Audit.CreatedAt.UTC().Format(time.RFC3339),
				},
				Job: jobToItem(row.Job),
			}
		}
		return &ListInterventionsOutput{Body: &ListInterventionsBody{
			Items:     items,
			Limit:     input.Limit,
			ServerNow: now.UTC().Format(time.RFC3339),
		}}, nil
	}
}
