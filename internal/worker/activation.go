package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// EventSubscriptionPaid is the event type handled by the activation processor.
const EventSubscriptionPaid = "subscription.paid"

// ActivationKeyPrefix prefixes the idempotency key derived for each
// activation. The key is built from the subscription id, not the job id, so
// re-ingesting the same business event collapses to one effect.
const ActivationKeyPrefix = "activate_subscription:"

// activationEnvelope is the shape of the ledger raw_payload relevant to the
// activation effect: the full ingest body, of which only
// payload.subscription_id matters here.
type activationEnvelope struct {
	Payload struct {
		SubscriptionID string `json:"subscription_id"`
	} `json:"payload"`
}

// NewActivationProcessor returns the ProcessFunc for subscription.paid
// events. It loads the originating ledger payload, derives the idempotency
// key from the subscription id, and applies the activation at most once
// across the key's lifetime:
//
//   - pending insert succeeds → perform the effect, flip to succeeded
//   - pending insert hits the unique key → already attempted, no-op success
//   - effect execution fails → best-effort record failed, re-raise original
func NewActivationProcessor(s *store.Store) ProcessFunc {
	return func(ctx context.Context, job *store.Job) error {
		raw, err := s.EventPayload(ctx, job.EventLedgerID)
		if err != nil {
			return err
		}

		var env activationEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return &MalformedPayloadError{Reason: "payload is not a JSON object"}
		}
		subscriptionID := env.Payload.SubscriptionID
		if subscriptionID == "" {
			return &MalformedPayloadError{Reason: "missing subscription_id"}
		}

		key := ActivationKeyPrefix + subscriptionID

		if err := s.CreatePendingActivation(ctx, key, subscriptionID); err != nil {
			if errors.Is(err, store.ErrDuplicateActivation) {
				slog.Info("duplicate effect",
					"job_id", job.ID, "subscription_id", subscriptionID)
				return nil
			}
			return fmt.Errorf("activation %s: %w", subscriptionID, err)
		}

		if err := s.MarkActivationSucceeded(ctx, key); err != nil {
			// Best-effort recovery write; the original failure is what the
			// retry policy must see.
			if recErr := s.RecordActivationFailure(ctx, key, subscriptionID, err.Error()); recErr != nil {
				slog.Warn("record activation failure",
					"job_id", job.ID, "subscription_id", subscriptionID, "error", recErr)
			}
			slog.Error("effect failed",
				"job_id", job.ID, "subscription_id", subscriptionID, "error", err)
			return fmt.Errorf("activation %s: %w", subscriptionID, err)
		}

		slog.Info("effect applied",
			"job_id", job.ID, "subscription_id", subscriptionID)
		return nil
	}
}
