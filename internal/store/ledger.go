package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// LedgerEvent is an immutable row in the append-only event ledger. The core
// never updates or deletes ledger rows.
type LedgerEvent struct {
	ID              int64
	EventType       string
	ExternalEventID string
	RawPayload      json.RawMessage
	CreatedAt       time.Time
}

// IngestResult identifies the rows created by one IngestEvent call.
type IngestResult struct {
	EventLedgerID int64
	JobID         int64
}

// IngestEvent appends an event to the ledger and enqueues its job in a single
// transaction (outbox pattern): both rows commit together or neither exists.
// There is no retry here — a persistence failure is surfaced to the producer,
// which owns its own retry.
func (s *Store) IngestEvent(ctx context.Context, eventType, externalEventID string, rawPayload json.RawMessage, maxAttempts int32) (*IngestResult, error) {
	var res IngestResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO event_ledger (event_type, external_event_id, raw_payload)
			VALUES ($1, $2, $3)
			RETURNING id`,
			eventType, externalEventID, rawPayload,
		).Scan(&res.EventLedgerID)
		if err != nil {
			return fmt.Errorf("insert event_ledger: %w", err)
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO jobs (status, event_ledger_id, event_type, external_event_id, max_attempts, available_at)
			VALUES ('queued', $1, $2, $3, $4, now())
			RETURNING id`,
			res.EventLedgerID, eventType, externalEventID, maxAttempts,
		).Scan(&res.JobID)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest event: %w", err)
	}
	return &res, nil
}

// EventPayload loads the raw payload of a ledger event. Returns
// ErrEventNotFound when the referenced row does not exist.
func (s *Store) EventPayload(ctx context.Context, eventLedgerID int64) (json.RawMessage, error) {
	var payload json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT raw_payload FROM event_ledger WHERE id = $1`, eventLedgerID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event payload %d: %w", eventLedgerID, ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("event payload %d: %w", eventLedgerID, err)
	}
	return payload, nil
}
