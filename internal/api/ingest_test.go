// ABOUTME: Integration tests for POST /events/ingest — acknowledgment shape,
// ABOUTME: validation rejections, and the opaque 503 on persistence failure.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/mario-coppola/reliable-event-processing/internal/store"
	"github.com/mario-coppola/reliable-event-processing/internal/testutil"
)

func TestIngest_AcceptsAndEnqueues(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ts := newTestServer(t, db)
	ctx := context.Background()

	resp := doJSON(t, ts, http.MethodPost, "/events/ingest", map[string]any{
		"event_id":   "evt_http_1",
		"event_type": "subscription.paid",
		"payload":    map[string]string{"subscription_id": "sub_http"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body struct {
		Accepted bool `json:"accepted"`
	}
	decodeBody(t, resp, &body)
	if !body.Accepted {
		t.Error("accepted = false, want true")
	}

	// The row is visible immediately: outbox write happens before the ack.
	extID := "evt_http_1"
	jobs, err := db.ListJobs(ctx, store.JobFilter{ExternalEventID: &extID, Limit: 10})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs for ingested event, want 1", len(jobs))
	}
	if jobs[0].Status != store.JobQueued || jobs[0].MaxAttempts != 3 {
		t.Errorf("enqueued job = %+v, want queued with max_attempts 3", jobs[0])
	}

	// raw_payload preserves the full ingest body for the processor.
	raw, err := db.EventPayload(ctx, jobs[0].EventLedgerID)
	if err != nil {
		t.Fatalf("EventPayload: %v", err)
	}
	var stored struct {
		Payload struct {
			SubscriptionID string `json:"subscription_id"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("unmarshal stored payload: %v", err)
	}
	if stored.Payload.SubscriptionID != "sub_http" {
		t.Errorf("stored payload lost subscription_id: %s", raw)
	}
}

func TestIngest_Validation(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ts := newTestServer(t, db)

	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{
			"missing event_id",
			map[string]any{"event_type": "subscription.paid", "payload": map[string]string{}},
			"event_id must be a non-empty string",
		},
		{
			"whitespace event_id",
			map[string]any{"event_id": "   ", "event_type": "subscription.paid", "payload": map[string]string{}},
			"event_id must be a non-empty string",
		},
		{
			"missing event_type",
			map[string]any{"event_id": "evt_x", "payload": map[string]string{}},
			"event_type must be a non-empty string",
		},
		{
			"payload is an array",
			map[string]any{"event_id": "evt_x", "event_type": "t", "payload": []int{1}},
			"payload must be a JSON object",
		},
		{
			"payload is a scalar",
			map[string]any{"event_id": "evt_x", "event_type": "t", "payload": 7},
			"payload must be a JSON object",
		},
		{
			"payload is null",
			map[string]any{"event_id": "evt_x", "event_type": "t", "payload": nil},
			"payload must be a JSON object",
		},
		{
			"payload absent",
			map[string]any{"event_id": "evt_x", "event_type": "t"},
			"payload must be a JSON object",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, ts, http.MethodPost, "/events/ingest", tt.body)
			defer resp.Body.Close() //nolint:errcheck
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			msg, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(msg), tt.wantMsg) {
				t.Errorf("body = %q, want to contain %q", msg, tt.wantMsg)
			}
		})
	}

	// Nothing was persisted by any rejected request.
	var n int
	if err := db.Pool.QueryRow(context.Background(),
		`SELECT count(*) FROM event_ledger`).Scan(&n); err != nil {
		t.Fatalf("probe event_ledger: %v", err)
	}
	if n != 0 {
		t.Errorf("found %d ledger rows after rejected requests, want 0", n)
	}
}

func TestIngest_MalformedJSONBody(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ts := newTestServer(t, db)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		ts.URL+"/events/ingest", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req) //nolint:gosec // G704 false positive
	if err != nil {
		t.Fatalf("POST /events/ingest: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIngest_DatabaseUnavailable(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ts := newTestServer(t, db)

	// Closing the pool makes every store call fail, simulating an outage.
	db.Pool.Close()

	resp := doJSON(t, ts, http.MethodPost, "/events/ingest", map[string]any{
		"event_id":   "evt_down",
		"event_type": "subscription.paid",
		"payload":    map[string]string{"subscription_id": "sub_down"},
	})
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	msg, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(msg), "database unavailable") {
		t.Errorf("body = %q, want opaque database unavailable message", msg)
	}
}
