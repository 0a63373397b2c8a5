// Package store provides the data access layer. All queries run on a shared
// pgxpool; multi-statement operations (outbox ingest, SKIP LOCKED claim,
// requeue-with-audit) use pgx native transactions, and dynamic list queries
// are built with squirrel.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object. It exclusively owns job lifecycle
// transitions: every status change is a conditional update keyed on the
// current status, never an unconditional write.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (healthz ping, test probes).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a pgx transaction. The transaction is committed if fn
// returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ServerNow returns the database server's current time. Admin responses echo
// it so operators can interpret available_at values without clock skew.
func (s *Store) ServerNow(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("server now: %w", err)
	}
	return now, nil
}
