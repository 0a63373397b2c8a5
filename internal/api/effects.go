package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// EffectItem is the API representation of a subscription activation record.
type EffectItem struct {
	ID             int64   `json:"id"`
	IdempotencyKey string  `json:"idempotency_key"`
	SubscriptionID string  `json:"subscription_id"`
	Status         string  `json:"status"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// ListEffectsInput defines query parameters for the effect listing.
type ListEffectsInput struct {
	Limit int `query:"limit" minimum:"1" maximum:"200" default:"50" doc:"Page size (max 200)"`
}

// ListEffectsOutput is the response for GET /admin/effects.
type ListEffectsOutput struct {
	Body *ListEffectsBody
}

// ListEffectsBody is the JSON body of the effect list response.
type ListEffectsBody struct {
	Items []EffectItem `json:"items"`
	Limit int          `json:"limit"`
}

func registerEffectRoutes(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-effects",
		Method:      http.MethodGet,
		Path:        "/effects",
		Summary:     "List applied effects",
		Description: "Newest-first listing of subscription activation records.",
		Tags:        []string{"Effects"},
	}, listEffectsHandler(s))
}

func listEffectsHandler(s *store.Store) func(context.Context, *ListEffectsInput) (*ListEffectsOutput, error) {
	return func(ctx context.Context, input *ListEffectsInput) (*ListEffectsOutput, error) {
		rows, err := s.ListActivations(ctx, input.Limit)
		if err != nil {
			return nil, fmt.Errorf("list activations: %w", err)
		}

		items := make([]EffectItem, len(rows))
		for i, a := range rows {
			items[i] = EffectItem{
				ID:             a.ID,
				IdempotencyKey: a.IdempotencyKey,
				SubscriptionID: a.SubscriptionID,
				Status:         string(a.Status),
				ErrorMessage:   a.ErrorMessage,
				CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
				UpdatedAt:      a.UpdatedAt.UTC().Format(time.RFC3339),
			}
		}
		return &ListEffectsOutput{Body: &ListEffectsBody{
			Items: items,
			Limit: input.Limit,
		}}, nil
	}
}
