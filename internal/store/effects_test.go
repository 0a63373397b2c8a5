// ABOUTME: Integration tests for store/effects.go — idempotency-key guarded
// ABOUTME: activation records.
package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
	"github.com/mario-coppola/reliable-event-processing/internal/testutil"
)

func TestCreatePendingActivation_DuplicateKey(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	key := "activate_subscription:sub_dup"
	if err := db.CreatePendingActivation(ctx, key, "sub_dup"); err != nil {
		t.Fatalf("CreatePendingActivation (first): %v", err)
	}

	err := db.CreatePendingActivation(ctx, key, "sub_dup")
	if !errors.Is(err, store.ErrDuplicateActivation) {
		t.Fatalf("duplicate insert: err = %v, want ErrDuplicateActivation", err)
	}

	// The duplicate must not clobber the existing record.
	act, err := db.GetActivation(ctx, key)
	if err != nil {
		t.Fatalf("GetActivation: %v", err)
	}
	if act == nil {
		t.Fatal("activation record missing after duplicate attempt")
	}
	if act.Status != store.ActivationPending {
		t.Errorf("Status = %q, want pending", act.Status)
	}
}

func TestMarkActivationSucceeded(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	key := "activate_subscription:sub_ok"
	if err := db.CreatePendingActivation(ctx, key, "sub_ok"); err != nil {
		t.Fatalf("CreatePendingActivation: %v", err)
	}
	if err := db.MarkActivationSucceeded(ctx, key); err != nil {
		t.Fatalf("MarkActivationSucceeded: %v", err)
	}

	act, err := db.GetActivation(ctx, key)
	if err != nil {
		t.Fatalf("GetActivation: %v", err)
	}
	if act.Status != store.ActivationSucceeded {
		t.Errorf("Status = %q, want succeeded", act.Status)
	}
	if act.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %v, want nil", act.ErrorMessage)
	}
}

func TestRecordActivationFailure_UpsertsOverPending(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	key := "activate_subscription:sub_bad"
	if err := db.CreatePendingActivation(ctx, key, "sub_bad"); err != nil {
		t.Fatalf("CreatePendingActivation: %v", err)
	}
	if err := db.RecordActivationFailure(ctx, key, "sub_bad", "simulated outage"); err != nil {
		t.Fatalf("RecordActivationFailure: %v", err)
	}

	act, err := db.GetActivation(ctx, key)
	if err != nil {
		t.Fatalf("GetActivation: %v", err)
	}
	if act.Status != store.ActivationFailed {
		t.Errorf("Status = %q, want failed", act.Status)
	}
	if act.ErrorMessage == nil || *act.ErrorMessage != "simulated outage" {
		t.Errorf("ErrorMessage = %v, want recorded message", act.ErrorMessage)
	}

	// Fresh key: upsert also works as plain insert.
	if err := db.RecordActivationFailure(ctx, "activate_subscription:sub_new", "sub_new", "boom"); err != nil {
		t.Fatalf("RecordActivationFailure (insert path): %v", err)
	}
}

func TestGetActivation_MissingReturnsNil(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	act, err := db.GetActivation(context.Background(), "activate_subscription:nope")
	if err != nil {
		t.Fatalf("GetActivation: %v", err)
	}
	if act != nil {
		t.Errorf("got %+v, want nil for missing key", act)
	}
}

func TestListActivations_NewestFirst(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	for _, sub := range []string{"sub_a", "sub_b", "sub_c"} {
		if err := db.CreatePendingActivation(ctx, "activate_subscription:"+sub, sub); err != nil {
			t.Fatalf("CreatePendingActivation(%s): %v", sub, err)
		}
	}

	rows, err := db.ListActivations(ctx, 2)
	if err != nil {
		t.Fatalf("ListActivations: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].SubscriptionID != "sub_c" || rows[1].SubscriptionID != "sub_b" {
		t.Errorf("order = [%s %s], want newest first", rows[0].SubscriptionID, rows[1].SubscriptionID)
	}
}
