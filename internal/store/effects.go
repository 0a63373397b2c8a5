// Store methods for the subscription_activations effect table. The unique
// idempotency_key constraint is what collapses concurrent attempts to apply
// the same effect into a single logical activation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ActivationStatus is the closed set of effect record states.
type ActivationStatus string

const (
	ActivationPending   ActivationStatus = "pending"
	ActivationSucceeded ActivationStatus = "succeeded"
	ActivationFailed    ActivationStatus = "failed"
)

// Activation is one effect record, at most one per idempotency key.
type Activation struct {
	ID             int64
	IdempotencyKey string
	SubscriptionID string
	Status         ActivationStatus
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// pgUniqueViolation is the Postgres error code for a unique constraint violation.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreatePendingActivation inserts a new pending effect record under key.
// Returns ErrDuplicateActivation if the key already exists — the effect has
// already been attempted and must not be re-applied.
func (s *Store) CreatePendingActivation(ctx context.Context, key, subscriptionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_activations (idempotency_key, subscription_id, status)
		VALUES ($1, $2, 'pending')`, key, subscriptionID)
	if isUniqueViolation(err) {
		return fmt.Errorf("create activation %q: %w", key, ErrDuplicateActivation)
	}
	if err != nil {
		return fmt.Errorf("create activation %q: %w", key, err)
	}
	return nil
}

// MarkActivationSucceeded transitions the effect record for key to succeeded.
func (s *Store) MarkActivationSucceeded(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscription_activations
		SET status = 'succeeded', updated_at = now()
		WHERE idempotency_key = $1`, key)
	if err != nil {
		return fmt.Errorf("mark activation %q succeeded: %w", key, err)
	}
	return nil
}

// RecordActivationFailure upserts a failed effect record with the error
// message. Used as a best-effort recovery write when applying the effect
// fails; the caller swallows any error from this method and re-raises the
// original failure.
func (s *Store) RecordActivationFailure(ctx context.Context, key, subscriptionID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_activations (idempotency_key, subscription_id, status, error_message)
		VALUES ($1, $2, 'failed', $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'failed', error_message = $3, updated_at = now()`,
		key, subscriptionID, errMsg)
	if err != nil {
		return fmt.Errorf("record activation failure %q: %w", key, err)
	}
	return nil
}

// GetActivation returns the effect record for key, or (nil, nil) when none exists.
func (s *Store) GetActivation(ctx context.Context, key string) (*Activation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, idempotency_key, subscription_id, status, error_message, created_at, updated_at
		FROM subscription_activations
		WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("get activation %q: %w", key, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var a Activation
	if err := rows.Scan(&a.ID, &a.IdempotencyKey, &a.SubscriptionID, &a.Status, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get activation %q: scan: %w", key, err)
	}
	return &a, nil
}

// ListActivations returns the newest effect records, ordered by id DESC.
// The caller is responsible for bounding limit.
func (s *Store) ListActivations(ctx context.Context, limit int) ([]Activation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, idempotency_key, subscription_id, status, error_message, created_at, updated_at
		FROM subscription_activations
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var result []Activation
	for rows.Next() {
		var a Activation
		if err := rows.Scan(&a.ID, &a.IdempotencyKey, &a.SubscriptionID, &a.Status, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list activations: scan: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
